package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/digkill/WellyBot/internal/repository"
)

const referralPrefix = "ref_"

// ParseReferrer extracts the referrer id from a /start payload like "ref_123".
func ParseReferrer(arg string) (int64, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(arg), referralPrefix)
	if !ok || raw == "" {
		return 0, false
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func ReferralPayload(userID int64) string {
	return referralPrefix + strconv.FormatInt(userID, 10)
}

type ReferralService struct {
	users  *repository.UserRepository
	ledger *CreditLedger
	bonus  int
}

func NewReferralService(users *repository.UserRepository, ledger *CreditLedger, bonus int) *ReferralService {
	return &ReferralService{users: users, ledger: ledger, bonus: bonus}
}

func (s *ReferralService) Bonus() int {
	return s.bonus
}

// GrantBonus credits the referrer once per referred user. It returns false
// when the bonus was already paid or the referral is a self-referral.
func (s *ReferralService) GrantBonus(ctx context.Context, newUserID, referrerID int64) (bool, error) {
	if referrerID == 0 || referrerID == newUserID || s.bonus <= 0 {
		return false, nil
	}
	marked, err := s.users.MarkReferralBonusGranted(ctx, newUserID)
	if err != nil {
		return false, fmt.Errorf("mark referral bonus: %w", err)
	}
	if !marked {
		return false, nil
	}
	if err := s.ledger.Grant(ctx, referrerID, s.bonus, "referral"); err != nil {
		return false, fmt.Errorf("grant referral bonus to %d: %w", referrerID, err)
	}
	return true, nil
}

// Stats returns how many users referrerID invited and the credits earned for them.
func (s *ReferralService) Stats(ctx context.Context, referrerID int64) (invited, earned int, err error) {
	invited, err = s.users.CountReferrals(ctx, referrerID)
	if err != nil {
		return 0, 0, err
	}
	return invited, invited * s.bonus, nil
}
