package expenses

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultBulkVendor   = "Group Expense"
	defaultBulkCategory = "Group Purchase"
	dateLayout          = "2006-01-02"
)

var (
	// ErrInvalidExpense indicates a receipt without vendor, category, amount or date.
	ErrInvalidExpense = errors.New("expenses: vendor, category, positive amount and date are required")
	// ErrNoItems indicates an empty bulk request.
	ErrNoItems = errors.New("expenses: at least one item is required")
	// ErrInvalidAmount indicates a negative item price.
	ErrInvalidAmount = errors.New("expenses: amount must not be negative")
	// ErrInvalidDate indicates a date not in YYYY-MM-DD form.
	ErrInvalidDate = errors.New("expenses: date must be formatted YYYY-MM-DD")
)

// Expense is one personal expense row.
type Expense struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"column:user_id;not null;index:idx_expenses_user_date,priority:1" json:"user_id"`
	Vendor      string    `gorm:"column:vendor;size:255;not null" json:"vendor"`
	Category    string    `gorm:"column:category;size:120;not null" json:"category"`
	TotalAmount float64   `gorm:"column:total_amount;not null" json:"total_amount"`
	ExpenseDate time.Time `gorm:"column:expense_date;not null;index:idx_expenses_user_date,priority:2" json:"expense_date"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Expense) TableName() string {
	return "personal_expenses"
}

// NewExpense is a receipt-derived expense awaiting storage.
type NewExpense struct {
	UserID      uint
	Vendor      string
	Category    string
	TotalAmount float64
	ExpenseDate time.Time
}

func (e NewExpense) validate() error {
	if strings.TrimSpace(e.Vendor) == "" || strings.TrimSpace(e.Category) == "" {
		return ErrInvalidExpense
	}
	if e.TotalAmount <= 0 || e.ExpenseDate.IsZero() {
		return ErrInvalidExpense
	}
	return nil
}

// ParseDate reads a YYYY-MM-DD date as UTC midnight.
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}
	return parsed.UTC(), nil
}

// BulkItem is one assigned bill line accepted by its recipient.
type BulkItem struct {
	Item  string
	Price float64
}

// BulkInput adds several items as individual expenses.
type BulkInput struct {
	Items    []BulkItem
	Vendor   string
	Category string
}

func (b BulkInput) vendor() string {
	if vendor := strings.TrimSpace(b.Vendor); vendor != "" {
		return vendor
	}
	return defaultBulkVendor
}

func (b BulkInput) category() string {
	if category := strings.TrimSpace(b.Category); category != "" {
		return category
	}
	return defaultBulkCategory
}
