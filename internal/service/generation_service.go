package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/WellyBot/internal/kie"
	"github.com/digkill/WellyBot/internal/lock"
	"github.com/digkill/WellyBot/internal/metrics"
	"github.com/digkill/WellyBot/internal/models"
)

const (
	MessageBusy           = "⏳ Генерация уже запущена. Дождитесь результата."
	MessageUnsuitable     = "К сожалению, это изображение не подходит для обработки. Попробуй загрузить другое фото"
	MessageBillingAnomaly = "⚠️ Генерация готова, но списание не удалось. Проверьте баланс."
	MessageFailed         = "⚠️ Ошибка генерации. Попробуйте ещё раз позже."
)

// ImageSource downloads a chat image reference into a local temp file.
// The caller removes the file.
type ImageSource interface {
	Fetch(ctx context.Context, ref string) (string, error)
}

type ImageUploader interface {
	Upload(ctx context.Context, localPath, destination string) (string, error)
}

type JobRunner interface {
	SubmitJob(ctx context.Context, prompt string, imageURLs []string) (string, error)
	PollUntilTerminal(ctx context.Context, jobID string) (*kie.JobResult, error)
}

type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

type ImageDeliverer interface {
	Deliver(ctx context.Context, chatID int64, imageURL string) error
}

type Debitor interface {
	ConsumeOne(ctx context.Context, userID int64) (bool, error)
}

type GenerationRecorder interface {
	Log(ctx context.Context, entry models.GenerationLog) error
}

type GenerationDeps struct {
	Images    ImageSource
	Uploader  ImageUploader
	Jobs      JobRunner
	Messenger Messenger
	Delivery  ImageDeliverer
	Locks     lock.Set
	Ledger    Debitor
	// Recorder is optional.
	Recorder GenerationRecorder
	Logger   zerolog.Logger
}

// GenerationRequest is one user's ask: 1 or 2 images plus a prompt.
type GenerationRequest struct {
	UserID int64
	ChatID int64
	Prompt string
	// ImageRefs are chat-side references (Telegram file ids).
	ImageRefs []string
	// StatusMessageID is the "in progress" message to remove; 0 means none.
	StatusMessageID int
}

func (r GenerationRequest) valid() bool {
	return strings.TrimSpace(r.Prompt) != "" && len(r.ImageRefs) >= 1 && len(r.ImageRefs) <= 2
}

type GenerationService struct {
	deps GenerationDeps
	log  zerolog.Logger
	wg   sync.WaitGroup
}

func NewGenerationService(deps GenerationDeps) *GenerationService {
	return &GenerationService{
		deps: deps,
		log:  deps.Logger.With().Str("component", "generation").Logger(),
	}
}

// IsBusy reports whether userID currently holds an in-flight slot.
func (s *GenerationService) IsBusy(ctx context.Context, userID int64) bool {
	busy, err := s.deps.Locks.Contains(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("in-flight lookup failed")
		return false
	}
	return busy
}

// Start runs Generate on its own goroutine. Cancelling ctx does not stop an
// admitted generation; the poll ceiling and per-call timeouts bound it, and
// Wait drains it at shutdown.
func (s *GenerationService) Start(ctx context.Context, req GenerationRequest) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Generate(ctx, req)
	}()
}

// Wait blocks until every generation started with Start has returned.
func (s *GenerationService) Wait() {
	s.wg.Wait()
}

// Generate runs one generation to a terminal outcome. Failures are reported
// to the chat, never returned.
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest) (outcome models.Outcome) {
	started := time.Now()
	admitted := false
	job := &generationTrace{}
	log := s.log.With().Int64("user_id", req.UserID).Int64("chat_id", req.ChatID).Logger()

	defer func() {
		metrics.RecordOutcome(string(outcome), started, admitted)
		if admitted {
			s.record(ctx, req, job.id, outcome)
		}
	}()

	if !req.valid() {
		log.Warn().Int("images", len(req.ImageRefs)).Msg("rejecting invalid generation request")
		return models.OutcomeInvalid
	}

	acquired, err := s.deps.Locks.Acquire(ctx, req.UserID)
	if err != nil {
		log.Error().Err(err).Msg("in-flight lock unavailable")
		s.notify(ctx, log, req.ChatID, MessageFailed)
		return models.OutcomeFailed
	}
	if !acquired {
		log.Info().Msg("generation already running")
		s.notify(ctx, log, req.ChatID, MessageBusy)
		return models.OutcomeBusy
	}
	admitted = true
	metrics.GenerationsInFlight.Inc()

	defer func() {
		metrics.GenerationsInFlight.Dec()
		if err := s.deps.Locks.Release(context.WithoutCancel(ctx), req.UserID); err != nil {
			log.Error().Err(err).Msg("failed to release in-flight lock")
		}
		log.Info().Str("outcome", string(outcome)).Dur("elapsed", time.Since(started)).Msg("generation finish")
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.id).Interface("panic", r).Msg("generation panicked")
			s.notify(ctx, log, req.ChatID, MessageFailed)
			outcome = models.OutcomeFailed
		}
	}()

	log.Info().Int("photos", len(req.ImageRefs)).Msg("generation start")
	outcome, err = s.run(ctx, log, req, job)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.id).Msg("generation error")
		s.notify(ctx, log, req.ChatID, MessageFailed)
		return models.OutcomeFailed
	}
	return outcome
}

type generationTrace struct {
	id string
}

func (s *GenerationService) run(ctx context.Context, log zerolog.Logger, req GenerationRequest, trace *generationTrace) (models.Outcome, error) {
	imageURLs, err := s.uploadAll(ctx, log, req)
	if err != nil {
		return models.OutcomeFailed, err
	}

	jobID, err := s.deps.Jobs.SubmitJob(ctx, strings.TrimSpace(req.Prompt), imageURLs)
	if err != nil {
		return models.OutcomeFailed, err
	}
	trace.id = jobID
	job := kie.NewRemoteJob(jobID)
	job.State = kie.JobPolling

	result, err := s.deps.Jobs.PollUntilTerminal(ctx, jobID)
	if err != nil {
		return models.OutcomeFailed, err
	}
	job.Finish(result)
	log = log.With().Str("job_id", jobID).Logger()

	if len(job.ImageURLs) == 0 {
		log.Warn().Str("state", result.State).Msg("job finished without images")
		s.deleteStatus(ctx, log, req)
		if err := s.deps.Messenger.SendText(ctx, req.ChatID, MessageUnsuitable); err != nil {
			return models.OutcomeFailed, fmt.Errorf("send unsuitable notice: %w", err)
		}
		return models.OutcomeUnsuitable, nil
	}

	if err := s.deps.Delivery.Deliver(ctx, req.ChatID, job.ImageURLs[0]); err != nil {
		return models.OutcomeFailed, fmt.Errorf("deliver result: %w", err)
	}
	s.deleteStatus(ctx, log, req)

	// The image is already out; the debit must land even if ctx was cancelled meanwhile.
	debited, err := s.deps.Ledger.ConsumeOne(context.WithoutCancel(ctx), req.UserID)
	if err != nil {
		log.Error().Err(err).Msg("debit failed after delivery")
	}
	if err != nil || !debited {
		log.Warn().Msg("image delivered without debit")
		s.notify(ctx, log, req.ChatID, MessageBillingAnomaly)
		return models.OutcomeBillingAnomaly, nil
	}
	return models.OutcomeDelivered, nil
}

// uploadAll pushes each input image to the provider in order. The first
// failure aborts the rest.
func (s *GenerationService) uploadAll(ctx context.Context, log zerolog.Logger, req GenerationRequest) ([]string, error) {
	destination := fmt.Sprintf("telegram/%d", req.UserID)
	urls := make([]string, 0, len(req.ImageRefs))
	for i, ref := range req.ImageRefs {
		url, err := s.uploadOne(ctx, ref, destination)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		log.Debug().Str("url", url).Int("image", i+1).Msg("uploaded input image")
		urls = append(urls, url)
	}
	return urls, nil
}

func (s *GenerationService) uploadOne(ctx context.Context, ref, destination string) (string, error) {
	localPath, err := s.deps.Images.Fetch(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer func() {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", localPath).Msg("failed to remove temp image")
		}
	}()
	return s.deps.Uploader.Upload(ctx, localPath, destination)
}

func (s *GenerationService) deleteStatus(ctx context.Context, log zerolog.Logger, req GenerationRequest) {
	if req.StatusMessageID == 0 {
		return
	}
	if err := s.deps.Messenger.DeleteMessage(ctx, req.ChatID, req.StatusMessageID); err != nil {
		log.Warn().Err(err).Int("message_id", req.StatusMessageID).Msg("failed to delete status message")
	}
}

func (s *GenerationService) notify(ctx context.Context, log zerolog.Logger, chatID int64, text string) {
	if err := s.deps.Messenger.SendText(context.WithoutCancel(ctx), chatID, text); err != nil {
		log.Error().Err(err).Msg("failed to notify user")
	}
}

func (s *GenerationService) record(ctx context.Context, req GenerationRequest, jobID string, outcome models.Outcome) {
	if s.deps.Recorder == nil {
		return
	}
	entry := models.GenerationLog{
		TelegramID: req.UserID,
		JobID:      jobID,
		Prompt:     strings.TrimSpace(req.Prompt),
		Images:     len(req.ImageRefs),
		Outcome:    outcome,
	}
	if err := s.deps.Recorder.Log(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn().Err(err).Int64("user_id", req.UserID).Msg("failed to record generation")
	}
}
