package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/WellyBot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, entry models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (telegram_id, job_id, prompt, images, outcome)
VALUES (?, NULLIF(?, ''), ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, entry.TelegramID, entry.JobID, entry.Prompt, entry.Images, string(entry.Outcome)); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

// CountByOutcome returns how many generations of the user ended with the given outcome.
func (r *GenerationRepository) CountByOutcome(ctx context.Context, telegramID int64, outcome models.Outcome) (int, error) {
	const query = `SELECT COUNT(*) FROM generation_logs WHERE telegram_id = ? AND outcome = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, telegramID, string(outcome)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return count, nil
}
