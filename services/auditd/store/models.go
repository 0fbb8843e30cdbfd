package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Debt change directions.
const (
	DirectionMint = "mint"
	DirectionBurn = "burn"
)

// Deposit records collateral locked into the vault.
type Deposit struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventHash  string    `gorm:"size:64;uniqueIndex" json:"-"`
	Sequence   uint64    `gorm:"index" json:"sequence"`
	Account    string    `gorm:"size:90;index" json:"account"`
	Asset      string    `gorm:"size:16;index" json:"asset"`
	Amount     string    `gorm:"size:80" json:"amount"`
	ObservedAt time.Time `json:"observedAt"`
	CreatedAt  time.Time `json:"-"`
}

// Redemption records collateral released from the vault. Recipient differs
// from Account when a liquidation routed seized collateral to the liquidator.
type Redemption struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventHash  string    `gorm:"size:64;uniqueIndex" json:"-"`
	Sequence   uint64    `gorm:"index" json:"sequence"`
	Account    string    `gorm:"size:90;index" json:"account"`
	Recipient  string    `gorm:"size:90;index" json:"recipient"`
	Asset      string    `gorm:"size:16;index" json:"asset"`
	Amount     string    `gorm:"size:80" json:"amount"`
	ObservedAt time.Time `json:"observedAt"`
	CreatedAt  time.Time `json:"-"`
}

// DebtChange records synthetic debt minted against or repaid by an account.
// Payer differs from Account when a liquidator covered the target's debt.
type DebtChange struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventHash  string    `gorm:"size:64;uniqueIndex" json:"-"`
	Sequence   uint64    `gorm:"index" json:"sequence"`
	Account    string    `gorm:"size:90;index" json:"account"`
	Payer      string    `gorm:"size:90" json:"payer,omitempty"`
	Direction  string    `gorm:"size:8;index" json:"direction"`
	Amount     string    `gorm:"size:80" json:"amount"`
	ObservedAt time.Time `json:"observedAt"`
	CreatedAt  time.Time `json:"-"`
}

// Liquidation records a forced close of an unhealthy position.
type Liquidation struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventHash   string    `gorm:"size:64;uniqueIndex" json:"-"`
	Sequence    uint64    `gorm:"index" json:"sequence"`
	Account     string    `gorm:"size:90;index" json:"account"`
	Liquidator  string    `gorm:"size:90;index" json:"liquidator"`
	Asset       string    `gorm:"size:16;index" json:"asset"`
	DebtCovered string    `gorm:"size:80" json:"debtCovered"`
	Seized      string    `gorm:"size:80" json:"seized"`
	Bonus       string    `gorm:"size:80" json:"bonus"`
	ObservedAt  time.Time `json:"observedAt"`
	CreatedAt   time.Time `json:"-"`
}

// Cursor persists the stream resume position across restarts.
type Cursor struct {
	Stream    string `gorm:"primaryKey;size:32"`
	Position  string `gorm:"size:32"`
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Deposit{},
		&Redemption{},
		&DebtChange{},
		&Liquidation{},
		&Cursor{},
	)
}
