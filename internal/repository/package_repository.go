package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/WellyBot/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

const packageColumns = `id, title, generations, price, currency, is_active`

func scanPackage(scan func(dest ...any) error) (*models.Package, error) {
	var p models.Package
	var active int
	if err := scan(&p.ID, &p.Title, &p.Generations, &p.Price, &p.Currency, &active); err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	return &p, nil
}

func (r *PackageRepository) List(ctx context.Context, activeOnly bool) ([]models.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY generations ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.Package
	for rows.Next() {
		p, err := scanPackage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, *p)
	}
	return packages, rows.Err()
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE id = ?`
	p, err := scanPackage(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func (r *PackageRepository) GetByGenerations(ctx context.Context, generations int) (*models.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE generations = ? AND is_active = 1`
	p, err := scanPackage(r.db.QueryRowContext(ctx, query, generations).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get package by generations: %w", err)
	}
	return p, nil
}

func (r *PackageRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count packages: %w", err)
	}
	return n, nil
}

func (r *PackageRepository) Create(ctx context.Context, p *models.Package) (*models.Package, error) {
	const query = `
INSERT INTO packages (title, generations, price, currency, is_active)
VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, p.Title, p.Generations, p.Price, p.Currency, boolToInt(p.IsActive))
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("package last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PackageRepository) Update(ctx context.Context, p *models.Package) (*models.Package, error) {
	const query = `
UPDATE packages
SET title = ?, generations = ?, price = ?, currency = ?, is_active = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, p.Title, p.Generations, p.Price, p.Currency, boolToInt(p.IsActive), p.ID); err != nil {
		return nil, fmt.Errorf("update package: %w", err)
	}
	return r.GetByID(ctx, p.ID)
}

func (r *PackageRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
