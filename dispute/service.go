package dispute

import (
	"context"
	"fmt"
	"strings"

	"toolshare/db"
)

// Store is the data access the service needs.
type Store interface {
	List(ctx context.Context, q db.Querier, userID, rentalID string) ([]Record, error)
	Create(ctx context.Context, q db.Querier, userID string, params CreateParams) (Record, error)
}

type Service struct {
	pool db.Querier
	repo Store
}

func NewService(pool db.Querier, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

func (s *Service) List(ctx context.Context, userID, rentalID string) ([]Record, error) {
	return s.repo.List(ctx, s.pool, userID, rentalID)
}

func (s *Service) Create(ctx context.Context, userID string, params CreateParams) (Record, error) {
	params.RentalID = strings.TrimSpace(params.RentalID)
	params.Title = strings.TrimSpace(params.Title)
	if params.RentalID == "" {
		return Record{}, fmt.Errorf("%w: rental id required", ErrInvalid)
	}
	if !ValidType(params.Type) {
		return Record{}, fmt.Errorf("%w: unknown type %q", ErrInvalid, params.Type)
	}
	if params.Category == "" {
		params.Category = CategoryOther
	}
	if !ValidCategory(params.Category) {
		return Record{}, fmt.Errorf("%w: unknown category %q", ErrInvalid, params.Category)
	}
	return s.repo.Create(ctx, s.pool, userID, params)
}

// ValidType reports whether t is a known dispute type.
func ValidType(t Type) bool {
	switch t {
	case TypeItemDamage, TypeNotAsDescribed, TypeLateReturn, TypeNoShow, TypePaymentIssue, TypeSafetyIncident, TypeOther:
		return true
	default:
		return false
	}
}

// ValidCategory reports whether c is a known dispute category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryDamage, CategoryService, CategoryBilling, CategoryFraud, CategorySafety, CategoryOther:
		return true
	default:
		return false
	}
}
