package items

import (
	"context"
	"fmt"

	"github.com/keystone-erp/keystone-erp/internal/platform/httpx"
	"github.com/keystone-erp/keystone-erp/internal/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters shared.ListFilters) ([]Item, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, fmt.Errorf("%w: invalid item id", httpx.ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (Item, error) {
	if code == "" {
		return Item{}, fmt.Errorf("%w: empty item code", httpx.ErrValidation)
	}
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) Create(ctx context.Context, item Item) (Item, error) {
	if item.UnitPrice < 0 {
		return Item{}, fmt.Errorf("%w: unit price must not be negative", httpx.ErrValidation)
	}
	return s.repo.Create(ctx, item)
}

func (s *Service) Update(ctx context.Context, id int64, item Item) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid item id", httpx.ErrValidation)
	}
	if item.UnitPrice < 0 {
		return fmt.Errorf("%w: unit price must not be negative", httpx.ErrValidation)
	}
	return s.repo.Update(ctx, id, item)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid item id", httpx.ErrValidation)
	}
	return s.repo.Delete(ctx, id)
}

// AdjustStock applies a manual correction outside the receipt flow.
func (s *Service) AdjustStock(ctx context.Context, id int64, delta float64) error {
	if id <= 0 {
		return fmt.Errorf("%w: invalid item id", httpx.ErrValidation)
	}
	if delta == 0 {
		return fmt.Errorf("%w: stock delta must not be zero", httpx.ErrValidation)
	}
	return s.repo.AdjustStock(ctx, id, delta)
}
