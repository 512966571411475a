// Package delivery sends finished images to a chat, preferring a URL
// reference and falling back to a downloaded file.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/WellyBot/internal/metrics"
)

// ErrRejected is returned by a Channel when it refuses a URL reference
// (bad request, unsupported or too large media).
var ErrRejected = errors.New("delivery channel rejected media")

const ResultCaption = "Готово ✨\nХочешь попробовать другой стиль или сохранить этот образ?"

// Channel is the outbound side of the chat transport.
type Channel interface {
	SendPhotoURL(ctx context.Context, chatID int64, imageURL, caption string) error
	SendDocumentFile(ctx context.Context, chatID int64, localPath, caption string) error
	SendText(ctx context.Context, chatID int64, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

type Options struct {
	// MaxPhotoBytes enables the size probe when positive.
	MaxPhotoBytes int64
	CallTimeout   time.Duration
	TempDir       string
}

type Adapter struct {
	channel    Channel
	httpClient *http.Client
	opts       Options
	log        zerolog.Logger
}

func NewAdapter(channel Channel, httpClient *http.Client, opts Options, log zerolog.Logger) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Minute
	}
	return &Adapter{
		channel:    channel,
		httpClient: httpClient,
		opts:       opts,
		log:        log.With().Str("component", "delivery").Logger(),
	}
}

// Deliver sends imageURL to chatID.
func (a *Adapter) Deliver(ctx context.Context, chatID int64, imageURL string) error {
	if a.oversized(ctx, imageURL) {
		a.log.Info().Int64("chat_id", chatID).Str("url", imageURL).Msg("image above photo limit, sending as document")
		metrics.DeliveryFallbacks.WithLabelValues("oversized").Inc()
		return a.sendAsFile(ctx, chatID, imageURL)
	}

	err := a.channel.SendPhotoURL(ctx, chatID, imageURL, ResultCaption)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrRejected) {
		return fmt.Errorf("send photo by url: %w", err)
	}
	a.log.Warn().Err(err).Int64("chat_id", chatID).Msg("photo by url rejected, falling back to document")
	metrics.DeliveryFallbacks.WithLabelValues("rejected").Inc()
	return a.sendAsFile(ctx, chatID, imageURL)
}

// oversized probes Content-Length with a HEAD request. Every probe problem
// counts as "small enough".
func (a *Adapter) oversized(ctx context.Context, imageURL string) bool {
	if a.opts.MaxPhotoBytes <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("url", imageURL).Msg("failed to check image size")
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Warn().Err(err).Str("url", imageURL).Msg("failed to check image size")
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return false
	}
	raw := resp.Header.Get("Content-Length")
	if raw == "" {
		return false
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return size > a.opts.MaxPhotoBytes
}

func (a *Adapter) sendAsFile(ctx context.Context, chatID int64, imageURL string) error {
	tempPath, err := a.download(ctx, imageURL)
	if tempPath != "" {
		defer func() {
			if rmErr := os.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				a.log.Warn().Err(rmErr).Str("path", tempPath).Msg("failed to remove temp file")
			}
		}()
	}
	if err != nil {
		return err
	}
	if err := a.channel.SendDocumentFile(ctx, chatID, tempPath, ResultCaption); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// download streams imageURL into a new temp file. The returned path is set
// whenever a file was created, even on error.
func (a *Adapter) download(ctx context.Context, imageURL string) (string, error) {
	file, err := os.CreateTemp(a.opts.TempDir, "result-*"+extensionOf(imageURL))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := file.Name()
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return tempPath, fmt.Errorf("new download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return tempPath, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return tempPath, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		return tempPath, fmt.Errorf("write image: %w", err)
	}
	if err := file.Close(); err != nil {
		return tempPath, fmt.Errorf("close temp file: %w", err)
	}
	return tempPath, nil
}

func extensionOf(imageURL string) string {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return ".png"
	}
	if ext := path.Ext(parsed.Path); ext != "" {
		return ext
	}
	return ".png"
}
