package service

import (
	"context"
	"fmt"

	"github.com/digkill/WellyBot/internal/metrics"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/repository"
)

type UserService struct {
	users   *repository.UserRepository
	welcome int
}

func NewUserService(users *repository.UserRepository, welcomeGenerations int) *UserService {
	return &UserService{users: users, welcome: welcomeGenerations}
}

// Register returns the user, creating it with the welcome balance on first
// contact. referrerID is stored only for new users, only when that referrer
// is a known user, and never when it points at the user itself.
func (s *UserService) Register(ctx context.Context, telegramID int64, username, firstName string, referrerID *int64) (*models.User, bool, error) {
	candidate := models.User{
		TelegramID:  telegramID,
		Username:    username,
		FirstName:   firstName,
		Generations: s.welcome,
	}
	if referrerID != nil && *referrerID != telegramID {
		referrer, err := s.users.FindByTelegramID(ctx, *referrerID)
		if err != nil {
			return nil, false, fmt.Errorf("find referrer: %w", err)
		}
		if referrer != nil {
			candidate.ReferredBy = referrerID
		}
	}
	user, created, err := s.users.Ensure(ctx, candidate)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		metrics.RecordCreditsGranted("welcome", s.welcome)
	}
	return user, created, nil
}

func (s *UserService) Get(ctx context.Context, telegramID int64) (*models.User, error) {
	user, err := s.users.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *UserService) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
