package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/digkill/WellyBot/internal/metrics"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/repository"
	"github.com/digkill/WellyBot/internal/yookassa"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentForeign  = errors.New("payment belongs to another user")
	ErrInvalidWebhook  = errors.New("invalid webhook payload")
)

const MessagePaymentSucceeded = "Оплата прошла успешно\n\nГенерации уже доступны.\nМожем продолжать создавать образы."

type PaymentGateway interface {
	CreatePayment(ctx context.Context, in yookassa.CreatePaymentRequest) (*yookassa.Payment, error)
	FetchPayment(ctx context.Context, paymentID string) (*yookassa.Payment, error)
}

// Notifier delivers plain text to a user; it may be nil.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// CheckResult is the outcome of re-reading a payment from the gateway.
type CheckResult string

const (
	CheckCredited        CheckResult = "credited"
	CheckAlreadyCredited CheckResult = "already_credited"
	CheckCanceled        CheckResult = "canceled"
	CheckPending         CheckResult = "pending"
)

type Checkout struct {
	PaymentID       string
	ConfirmationURL string
	Amount          int
	Currency        string
	Generations     int
}

type PaymentService struct {
	gateway  PaymentGateway
	payments *repository.PaymentRepository
	packages *PackageService
	ledger   *CreditLedger
	notifier Notifier
	interval time.Duration
	log      zerolog.Logger
	inflight singleflight.Group
}

func NewPaymentService(gateway PaymentGateway, payments *repository.PaymentRepository, packages *PackageService, ledger *CreditLedger, interval time.Duration, log zerolog.Logger) *PaymentService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PaymentService{
		gateway:  gateway,
		payments: payments,
		packages: packages,
		ledger:   ledger,
		interval: interval,
		log:      log.With().Str("component", "payments").Logger(),
	}
}

// SetNotifier wires the chat channel once the bot is up.
func (s *PaymentService) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreatePayment opens a gateway payment for a catalog package and records it as pending.
func (s *PaymentService) CreatePayment(ctx context.Context, userID int64, generations int) (*Checkout, error) {
	pkg, err := s.packages.Get(ctx, generations)
	if err != nil {
		return nil, err
	}

	payment, err := s.gateway.CreatePayment(ctx, yookassa.CreatePaymentRequest{
		Amount:      pkg.Price,
		Currency:    pkg.Currency,
		Description: fmt.Sprintf("Покупка %d генераций", pkg.Generations),
		UserID:      userID,
		Generations: pkg.Generations,
	})
	if err != nil {
		return nil, err
	}

	record := &models.Payment{
		TelegramID:  userID,
		PaymentID:   payment.ID,
		Amount:      pkg.Price,
		Currency:    pkg.Currency,
		Generations: pkg.Generations,
		Status:      payment.Status,
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	metrics.Payments.WithLabelValues("created").Inc()
	s.log.Info().Int64("user_id", userID).Str("payment_id", payment.ID).Int("generations", pkg.Generations).Msg("payment created")

	return &Checkout{
		PaymentID:       payment.ID,
		ConfirmationURL: payment.Confirmation.URL,
		Amount:          pkg.Price,
		Currency:        pkg.Currency,
		Generations:     pkg.Generations,
	}, nil
}

// CheckPayment re-reads a payment on the user's request.
func (s *PaymentService) CheckPayment(ctx context.Context, paymentID string, userID int64) (CheckResult, error) {
	record, err := s.payments.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrPaymentNotFound
	}
	if record.TelegramID != userID {
		return "", ErrPaymentForeign
	}
	if record.Status == models.PaymentSucceeded {
		return CheckAlreadyCredited, nil
	}
	return s.reconcile(ctx, record)
}

// ReconcilePending runs one pass over every payment that is not final and
// returns how many were credited.
func (s *PaymentService) ReconcilePending(ctx context.Context) (int, error) {
	pending, err := s.payments.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	credited := 0
	for i := range pending {
		if ctx.Err() != nil {
			return credited, ctx.Err()
		}
		result, err := s.reconcile(ctx, &pending[i])
		if err != nil {
			s.log.Warn().Err(err).Str("payment_id", pending[i].PaymentID).Msg("payment reconcile failed")
			continue
		}
		if result == CheckCredited {
			credited++
			s.notifyCredited(ctx, pending[i].TelegramID)
		}
	}
	return credited, nil
}

// RunPoller reconciles pending payments on a fixed interval until ctx is done.
func (s *PaymentService) RunPoller(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("payment poller started")
	for {
		if _, err := s.ReconcilePending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("payment reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("payment poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// HandleWebhook processes a gateway notification. The body only names the
// payment; its state is always re-read from the gateway.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte) (CheckResult, error) {
	var event struct {
		Event  string `json:"event"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if event.Object.ID == "" {
		return "", fmt.Errorf("%w: missing payment id", ErrInvalidWebhook)
	}

	record, err := s.payments.FindByPaymentID(ctx, event.Object.ID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", fmt.Errorf("%w: %s", ErrPaymentNotFound, event.Object.ID)
	}
	if record.Status == models.PaymentSucceeded {
		return CheckAlreadyCredited, nil
	}

	result, err := s.reconcile(ctx, record)
	if err != nil {
		return "", err
	}
	if result == CheckCredited {
		s.notifyCredited(ctx, record.TelegramID)
	}
	return result, nil
}

// reconcile fetches the gateway status and applies the transition. Concurrent
// calls for one payment share a single fetch.
func (s *PaymentService) reconcile(ctx context.Context, record *models.Payment) (CheckResult, error) {
	v, err, _ := s.inflight.Do(record.PaymentID, func() (any, error) {
		payment, err := s.gateway.FetchPayment(ctx, record.PaymentID)
		if err != nil {
			return nil, err
		}
		return s.apply(ctx, record, payment.Status)
	})
	if err != nil {
		return "", err
	}
	return v.(CheckResult), nil
}

func (s *PaymentService) apply(ctx context.Context, record *models.Payment, status string) (CheckResult, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	log := s.log.With().Str("payment_id", record.PaymentID).Int64("user_id", record.TelegramID).Logger()

	switch status {
	case models.PaymentSucceeded:
		marked, err := s.payments.MarkSucceeded(ctx, record.PaymentID)
		if err != nil {
			return "", err
		}
		if !marked {
			return CheckAlreadyCredited, nil
		}
		if err := s.ledger.Grant(ctx, record.TelegramID, record.Generations, "payment"); err != nil {
			log.Error().Err(err).Int("generations", record.Generations).Msg("payment marked succeeded but credits not added")
			return "", err
		}
		metrics.Payments.WithLabelValues(models.PaymentSucceeded).Inc()
		log.Info().Int("generations", record.Generations).Msg("payment credited")
		return CheckCredited, nil
	case "canceled", "cancelled":
		if err := s.payments.UpdateStatus(ctx, record.PaymentID, models.PaymentCanceled); err != nil {
			return "", err
		}
		metrics.Payments.WithLabelValues(models.PaymentCanceled).Inc()
		log.Info().Msg("payment canceled")
		return CheckCanceled, nil
	default:
		if status != "" && status != record.Status {
			if err := s.payments.UpdateStatus(ctx, record.PaymentID, status); err != nil {
				return "", err
			}
		}
		return CheckPending, nil
	}
}

func (s *PaymentService) notifyCredited(ctx context.Context, userID int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendText(ctx, userID, MessagePaymentSucceeded); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("payment notify failed")
	}
}
