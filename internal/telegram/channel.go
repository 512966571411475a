package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/digkill/WellyBot/internal/delivery"
)

// Telegram allows about 30 outgoing messages per second per bot.
const (
	defaultSendRate  = 25
	defaultSendBurst = 5
)

// Channel is the outbound Telegram transport shared by the bot, the
// generation pipeline and the payment notifier.
type Channel struct {
	api          *tgbotapi.BotAPI
	httpClient   *http.Client
	limiter      *rate.Limiter
	fileEndpoint string
	tempDir      string
	log          zerolog.Logger
}

type ChannelOptions struct {
	// SendRate is the sustained messages per second; zero uses the default.
	SendRate float64
	// FileEndpoint overrides tgbotapi.FileEndpoint, mostly for tests.
	FileEndpoint string
	TempDir      string
}

func NewChannel(api *tgbotapi.BotAPI, httpClient *http.Client, opts ChannelOptions, log zerolog.Logger) *Channel {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	perSecond := opts.SendRate
	if perSecond <= 0 {
		perSecond = defaultSendRate
	}
	endpoint := opts.FileEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.FileEndpoint
	}
	return &Channel{
		api:          api,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), defaultSendBurst),
		fileEndpoint: endpoint,
		tempDir:      opts.TempDir,
		log:          log.With().Str("component", "telegram_channel").Logger(),
	}
}

// Send delivers any chattable message and returns what Telegram stored.
func (c *Channel) Send(ctx context.Context, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	sent, err := c.api.Send(msg)
	if err != nil {
		return tgbotapi.Message{}, classifySendError(err)
	}
	return sent, nil
}

// Request performs a call whose result is not a message (callbacks, deletes).
func (c *Channel) Request(ctx context.Context, req tgbotapi.Chattable) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.Request(req); err != nil {
		return classifySendError(err)
	}
	return nil
}

func (c *Channel) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := c.Send(ctx, tgbotapi.NewMessage(chatID, text))
	return err
}

// SendPhotoURL lets Telegram fetch the image itself.
func (c *Channel) SendPhotoURL(ctx context.Context, chatID int64, imageURL, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
	photo.Caption = caption
	photo.ReplyMarkup = resultKeyboard()
	_, err := c.Send(ctx, photo)
	return err
}

// SendDocumentFile uploads a local file as a document, which skips
// Telegram's photo recompression and size limits.
func (c *Channel) SendDocumentFile(ctx context.Context, chatID int64, localPath, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(localPath))
	doc.Caption = caption
	doc.ReplyMarkup = resultKeyboard()
	_, err := c.Send(ctx, doc)
	return err
}

func (c *Channel) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.Request(ctx, tgbotapi.NewDeleteMessage(chatID, messageID))
}

// Fetch downloads a Telegram file id into a temp file and returns its path.
func (c *Channel) Fetch(ctx context.Context, fileID string) (string, error) {
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return "", errors.New("get file: empty file path")
	}
	link := fmt.Sprintf(c.fileEndpoint, c.api.Token, file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("build file request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}

	ext := path.Ext(file.FilePath)
	if ext == "" {
		ext = ".jpg"
	}
	tmp, err := os.CreateTemp(c.tempDir, "tg-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// classifySendError maps Telegram's 400 answers to delivery.ErrRejected so
// the delivery adapter can fall back to a file upload.
func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", delivery.ErrRejected, apiErr.Message)
	}
	return err
}

// isMessageNotModified reports Telegram's harmless answer to an edit that
// changes nothing.
func isMessageNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
