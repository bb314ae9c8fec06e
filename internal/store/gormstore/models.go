package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntryColumns holds the fields shared by ledger rows and tab rows.
type EntryColumns struct {
	Actor           string         `gorm:"not null"`
	Description     string         `gorm:"not null"`
	DurationSeconds int64          `gorm:"not null"`
	UnitPriceCents  *int64         `gorm:""`
	BilledCents     int64          `gorm:"not null"`
	TenderedCents   int64          `gorm:"not null"`
	Method          *string        `gorm:"size:16"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
}

// LedgerEntry mirrors the ledger_entries table. Sequence preserves insertion order.
type LedgerEntry struct {
	Sequence     int64  `gorm:"primaryKey;autoIncrement"`
	EntryID      string `gorm:"size:36;not null;uniqueIndex"`
	EntryColumns `gorm:"embedded"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// TabEntry mirrors the tab_entries table: unpaid work per user.
type TabEntry struct {
	Sequence     int64  `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"not null;index:idx_tab_user_entry,unique,priority:1"`
	EntryID      string `gorm:"size:36;not null;index:idx_tab_user_entry,unique,priority:2"`
	EntryColumns `gorm:"embedded"`
}

func (TabEntry) TableName() string { return "tab_entries" }

// TotalsRow mirrors the single-row totals table.
type TotalsRow struct {
	ID          int       `gorm:"primaryKey;autoIncrement:false"`
	PaidCents   int64     `gorm:"not null"`
	TimeSeconds int64     `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (TotalsRow) TableName() string { return "totals" }

// UserPreference mirrors the user_preferences table.
type UserPreference struct {
	UserID     string    `gorm:"primaryKey"`
	PriceCents int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (UserPreference) TableName() string { return "user_preferences" }

// Admin mirrors the admins table.
type Admin struct {
	UserID    string    `gorm:"primaryKey"`
	Enabled   bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Admin) TableName() string { return "admins" }

// Models lists every table the store reads or writes, in migration order.
func Models() []any {
	return []any{&LedgerEntry{}, &TabEntry{}, &TotalsRow{}, &UserPreference{}, &Admin{}}
}
