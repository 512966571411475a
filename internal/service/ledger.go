package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/WellyBot/internal/metrics"
)

var ErrInvalidAmount = errors.New("credit amount must be positive")

// CreditStore is the durable balance storage. ConsumeGeneration must be a
// single conditional update.
type CreditStore interface {
	GetBalance(ctx context.Context, telegramID int64) (int, error)
	AddGenerations(ctx context.Context, telegramID int64, amount int) error
	ConsumeGeneration(ctx context.Context, telegramID int64) (bool, error)
}

// CreditLedger owns every change to a user's generation balance.
type CreditLedger struct {
	store CreditStore
}

func NewCreditLedger(store CreditStore) *CreditLedger {
	return &CreditLedger{store: store}
}

func (l *CreditLedger) Balance(ctx context.Context, userID int64) (int, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (l *CreditLedger) AddCredits(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if err := l.store.AddGenerations(ctx, userID, amount); err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// Grant adds credits and attributes them to source in metrics.
func (l *CreditLedger) Grant(ctx context.Context, userID int64, amount int, source string) error {
	if err := l.AddCredits(ctx, userID, amount); err != nil {
		return err
	}
	metrics.RecordCreditsGranted(source, amount)
	return nil
}

// ConsumeOne debits one credit if the balance is positive and reports whether it did.
func (l *CreditLedger) ConsumeOne(ctx context.Context, userID int64) (bool, error) {
	ok, err := l.store.ConsumeGeneration(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("consume credit: %w", err)
	}
	if ok {
		metrics.CreditsDebited.Inc()
	}
	return ok, nil
}
