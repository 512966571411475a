package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/repository"
)

var (
	ErrUnknownPackage  = errors.New("unknown package")
	ErrPackageNotFound = errors.New("package not found")
)

type PackageService struct {
	repo     *repository.PackageRepository
	currency string
	defaults []config.PackageSpec
}

type CreatePackageInput struct {
	Title       string
	Generations int
	Price       int
	Currency    string
	IsActive    *bool
}

type UpdatePackageInput struct {
	Title       *string
	Generations *int
	Price       *int
	Currency    *string
	IsActive    *bool
}

func NewPackageService(repo *repository.PackageRepository, currency string, defaults []config.PackageSpec) *PackageService {
	return &PackageService{repo: repo, currency: currency, defaults: defaults}
}

// EnsureDefaults seeds the catalog when the table is empty.
func (s *PackageService) EnsureDefaults(ctx context.Context) error {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, spec := range s.defaults {
		pkg := &models.Package{
			Title:       spec.Title,
			Generations: spec.Generations,
			Price:       spec.Price,
			Currency:    spec.Currency,
			IsActive:    true,
		}
		if _, err := s.repo.Create(ctx, pkg); err != nil {
			return fmt.Errorf("seed package %d: %w", spec.Generations, err)
		}
	}
	return nil
}

func (s *PackageService) List(ctx context.Context, activeOnly bool) ([]models.Package, error) {
	return s.repo.List(ctx, activeOnly)
}

// Get returns the purchasable package with the given generation count.
func (s *PackageService) Get(ctx context.Context, generations int) (*models.Package, error) {
	pkg, err := s.repo.GetByGenerations(ctx, generations)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w: %d generations", ErrUnknownPackage, generations)
	}
	return pkg, nil
}

func (s *PackageService) Create(ctx context.Context, input CreatePackageInput) (*models.Package, error) {
	if input.Generations <= 0 {
		return nil, fmt.Errorf("generations must be positive")
	}
	if input.Price <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if input.Currency == "" {
		input.Currency = s.currency
	}
	if input.Title == "" {
		input.Title = fmt.Sprintf("%d генераций", input.Generations)
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	pkg := models.Package{
		Title:       input.Title,
		Generations: input.Generations,
		Price:       input.Price,
		Currency:    input.Currency,
		IsActive:    isActive,
	}
	return s.repo.Create(ctx, &pkg)
}

func (s *PackageService) Update(ctx context.Context, id int64, input UpdatePackageInput) (*models.Package, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPackageNotFound
	}
	if input.Title != nil && *input.Title != "" {
		existing.Title = *input.Title
	}
	if input.Generations != nil && *input.Generations > 0 {
		existing.Generations = *input.Generations
	}
	if input.Price != nil && *input.Price > 0 {
		existing.Price = *input.Price
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = *input.Currency
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *PackageService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}
