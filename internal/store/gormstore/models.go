package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GameInstance represents the game_instances table: one row per child per game.
type GameInstance struct {
	InstanceID        string         `gorm:"type:uuid;primaryKey"`
	ChildID           string         `gorm:"not null;index:idx_instances_child_game,unique,priority:1"`
	GameID            string         `gorm:"not null;index:idx_instances_child_game,unique,priority:2"`
	Settings          datatypes.JSON `gorm:"type:jsonb;not null"`
	Preferences       datatypes.JSON `gorm:"type:jsonb;not null"`
	UnlockedAt        time.Time      `gorm:"not null"`
	FirstPlayedAt     *time.Time     `gorm:""`
	LastPlayedAt      *time.Time     `gorm:""`
	PlayTimeSeconds   int64          `gorm:"not null"`
	SessionCount      int64          `gorm:"not null"`
	CompletionPercent int64          `gorm:"not null"`
	ArchivedAt        *time.Time     `gorm:""`
}

func (GameInstance) TableName() string { return "game_instances" }

func (instance *GameInstance) BeforeCreate(tx *gorm.DB) error {
	if instance.InstanceID == "" {
		instance.InstanceID = uuid.NewString()
	}
	return nil
}

// GameDataRecord mirrors the game_data_records table. The version column is
// the optimistic-concurrency token for compare-and-set writes.
type GameDataRecord struct {
	InstanceID string         `gorm:"type:uuid;primaryKey"`
	DataKey    string         `gorm:"primaryKey"`
	Value      datatypes.JSON `gorm:"type:jsonb;not null"`
	Version    int64          `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (GameDataRecord) TableName() string { return "game_data_records" }

// GameSession mirrors the game_sessions table.
type GameSession struct {
	SessionID       string         `gorm:"type:uuid;primaryKey"`
	InstanceID      string         `gorm:"type:uuid;not null;index:idx_sessions_instance_ended,priority:1"`
	StartedAt       time.Time      `gorm:"not null"`
	EndedAt         *time.Time     `gorm:"index:idx_sessions_instance_ended,priority:2"`
	DurationSeconds int64          `gorm:"not null"`
	Metrics         datatypes.JSON `gorm:"type:jsonb;not null"`
	State           string         `gorm:"not null"`
	LastSeq         int64          `gorm:"not null"`
}

func (GameSession) TableName() string { return "game_sessions" }

// DailyPlayRollup mirrors the daily_play_rollups table.
type DailyPlayRollup struct {
	ChildID         string `gorm:"primaryKey"`
	GameID          string `gorm:"primaryKey"`
	Day             string `gorm:"primaryKey"`
	SessionCount    int64  `gorm:"not null"`
	PlayTimeSeconds int64  `gorm:"not null"`
}

func (DailyPlayRollup) TableName() string { return "daily_play_rollups" }

// AchievementUnlock mirrors the achievement_unlocks table. The composite
// primary key is what makes an unlock happen at most once per instance.
type AchievementUnlock struct {
	InstanceID    string    `gorm:"type:uuid;primaryKey"`
	AchievementID string    `gorm:"primaryKey"`
	SessionID     *string   `gorm:""`
	UnlockedAt    time.Time `gorm:"not null"`
}

func (AchievementUnlock) TableName() string { return "achievement_unlocks" }

// AchievementDefinition mirrors the achievement_definitions table.
type AchievementDefinition struct {
	GameID           string         `gorm:"primaryKey"`
	AchievementID    string         `gorm:"primaryKey"`
	Kind             string         `gorm:"not null"`
	Params           datatypes.JSON `gorm:"type:jsonb;not null"`
	RewardCurrencyID string         `gorm:"not null"`
	RewardAmount     int64          `gorm:"not null"`
	Enabled          bool           `gorm:"not null;default:true"`
}

func (AchievementDefinition) TableName() string { return "achievement_definitions" }

// WalletBalance mirrors the wallet_balances table, the materialized view of
// the entry log per (child, currency).
type WalletBalance struct {
	ChildID        string    `gorm:"primaryKey"`
	CurrencyID     string    `gorm:"primaryKey"`
	Current        int64     `gorm:"not null"`
	LifetimeEarned int64     `gorm:"not null"`
	LifetimeSpent  int64     `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (WalletBalance) TableName() string { return "wallet_balances" }

// WalletEntry mirrors the append-only wallet_entries table.
type WalletEntry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	ChildID       string    `gorm:"not null;index:idx_wallet_entries_child_currency_created,priority:1"`
	CurrencyID    string    `gorm:"not null;index:idx_wallet_entries_child_currency_created,priority:2"`
	Amount        int64     `gorm:"not null"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	SourceType    string    `gorm:"not null"`
	SourceID      string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_wallet_entries_child_currency_created,priority:3"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }

func (entry *WalletEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PurchaseTransaction mirrors the purchase_transactions table.
type PurchaseTransaction struct {
	TransactionID string     `gorm:"type:uuid;primaryKey"`
	ChildID       string     `gorm:"not null;index:idx_purchases_child_created,priority:1"`
	ProductID     string     `gorm:"not null"`
	Category      string     `gorm:"not null"`
	CurrencyID    string     `gorm:"not null"`
	PriceAmount   int64      `gorm:"not null"`
	PriceCents    int64      `gorm:"not null"`
	Method        string     `gorm:"not null"`
	Status        string     `gorm:"not null;index:idx_purchases_status_created,priority:1"`
	FailureReason string     `gorm:"not null"`
	ProcessorRef  string     `gorm:"not null"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_purchases_child_created,priority:2;index:idx_purchases_status_created,priority:2"`
	ResolvedAt    *time.Time `gorm:""`
}

func (PurchaseTransaction) TableName() string { return "purchase_transactions" }

func (transaction *PurchaseTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// ProductOwnership mirrors the product_ownerships table; the composite key
// makes a grant idempotent.
type ProductOwnership struct {
	ChildID   string    `gorm:"primaryKey"`
	ProductID string    `gorm:"primaryKey"`
	GrantedAt time.Time `gorm:"not null"`
}

func (ProductOwnership) TableName() string { return "product_ownerships" }

// Models lists every table for sqlite auto-migration.
func Models() []interface{} {
	return []interface{}{
		&GameInstance{},
		&GameDataRecord{},
		&GameSession{},
		&DailyPlayRollup{},
		&AchievementUnlock{},
		&AchievementDefinition{},
		&WalletBalance{},
		&WalletEntry{},
		&PurchaseTransaction{},
		&ProductOwnership{},
	}
}
