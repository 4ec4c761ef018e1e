package expenses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

const (
	opServiceNew = "expenses.service.new"
	opCreate     = "expenses.create"
	opList       = "expenses.list"
	opAddBulk    = "expenses.add_bulk"
)

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists personal expenses, including items accepted from a bill split.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create stores a single expense.
func (s *Service) Create(ctx context.Context, input NewExpense) (Expense, error) {
	if err := input.validate(); err != nil {
		return Expense{}, err
	}
	expense := Expense{
		UserID:      input.UserID,
		Vendor:      input.Vendor,
		Category:    input.Category,
		TotalAmount: input.TotalAmount,
		ExpenseDate: input.ExpenseDate.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&expense).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.Uint("user_id", input.UserID))
		return Expense{}, serviceerr.New(opCreate, "insert_failed", err)
	}
	return expense, nil
}

// List returns the user's expenses, newest expense date first.
func (s *Service) List(ctx context.Context, userID uint) ([]Expense, error) {
	var found []Expense
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("expense_date DESC").
		Order("id DESC").
		Find(&found).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.Uint("user_id", userID))
		return nil, serviceerr.New(opList, "query_failed", err)
	}
	return found, nil
}

// AddBulk stores one expense per item in a single transaction; either every
// item is stored or none is.
func (s *Service) AddBulk(ctx context.Context, userID uint, input BulkInput) (int, error) {
	if len(input.Items) == 0 {
		return 0, ErrNoItems
	}
	for _, item := range input.Items {
		if item.Price < 0 {
			return 0, fmt.Errorf("%w: %q priced %v", ErrInvalidAmount, item.Item, item.Price)
		}
	}

	now := s.clock().UTC()
	rows := make([]Expense, 0, len(input.Items))
	for _, item := range input.Items {
		rows = append(rows, Expense{
			UserID:      userID,
			Vendor:      input.vendor(),
			Category:    input.category(),
			TotalAmount: item.Price,
			ExpenseDate: now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range rows {
			if err := tx.Create(&rows[index]).Error; err != nil {
				s.logError(opAddBulk, "insert_failed", err,
					zap.Uint("user_id", userID),
					zap.Int("item_index", index))
				return serviceerr.New(opAddBulk, "insert_failed", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("expenses service error", attrs...)
}
