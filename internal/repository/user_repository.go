package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/WellyBot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	const query = `
SELECT id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), generations, generations_used, referred_by, referral_bonus_granted
FROM users WHERE telegram_id = ?`
	row := r.db.QueryRowContext(ctx, query, telegramID)
	var u models.User
	var referredBy sql.NullInt64
	var granted int
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.Generations, &u.GenerationsUsed, &referredBy, &granted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	u.ReferralBonusGranted = granted != 0
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, generations, generations_used, referred_by)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, 0, ?)`
	var referredBy any
	if user.ReferredBy != nil {
		referredBy = *user.ReferredBy
	}
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FirstName, user.Generations, referredBy)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, telegramID int64, username, firstName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
WHERE telegram_id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, telegramID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Ensure returns the user row, creating it with the given starting balance when absent.
// The boolean reports whether this call created the row.
func (r *UserRepository) Ensure(ctx context.Context, newUser models.User) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, newUser.TelegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		if user.Username != newUser.Username || user.FirstName != newUser.FirstName {
			if err := r.UpdateProfile(ctx, user.TelegramID, newUser.Username, newUser.FirstName); err != nil {
				return nil, false, err
			}
			user.Username, user.FirstName = newUser.Username, newUser.FirstName
		}
		return user, false, nil
	}
	created, err := r.Create(ctx, &newUser)
	if err != nil {
		// Lost an insert race against a concurrent update for the same user.
		if existing, findErr := r.FindByTelegramID(ctx, newUser.TelegramID); findErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return created, true, nil
}

func (r *UserRepository) GetBalance(ctx context.Context, telegramID int64) (int, error) {
	const query = `SELECT generations FROM users WHERE telegram_id = ?`
	var balance int
	if err := r.db.QueryRowContext(ctx, query, telegramID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *UserRepository) AddGenerations(ctx context.Context, telegramID int64, amount int) error {
	const query = `UPDATE users SET generations = generations + ?, updated_at = CURRENT_TIMESTAMP WHERE telegram_id = ?`
	res, err := r.db.ExecContext(ctx, query, amount, telegramID)
	if err != nil {
		return fmt.Errorf("add generations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add generations rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("add generations: user %d not found", telegramID)
	}
	return nil
}

// ConsumeGeneration debits one credit only while the balance is positive.
// The guard lives in the WHERE clause so concurrent debits cannot go negative.
func (r *UserRepository) ConsumeGeneration(ctx context.Context, telegramID int64) (bool, error) {
	const query = `
UPDATE users
SET generations = generations - 1, generations_used = generations_used + 1, updated_at = CURRENT_TIMESTAMP
WHERE telegram_id = ? AND generations > 0`
	res, err := r.db.ExecContext(ctx, query, telegramID)
	if err != nil {
		return false, fmt.Errorf("consume generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkReferralBonusGranted flips the flag once; false means it was already set.
func (r *UserRepository) MarkReferralBonusGranted(ctx context.Context, telegramID int64) (bool, error) {
	const query = `
UPDATE users SET referral_bonus_granted = 1, updated_at = CURRENT_TIMESTAMP
WHERE telegram_id = ? AND referral_bonus_granted = 0`
	res, err := r.db.ExecContext(ctx, query, telegramID)
	if err != nil {
		return false, fmt.Errorf("mark referral bonus: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("referral rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *UserRepository) CountReferrals(ctx context.Context, referrerID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM users WHERE referred_by = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, referrerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}
	return count, nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
