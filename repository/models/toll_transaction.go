package models

import "time"

// TollTransaction is one row of the append-only payment ledger.
type TollTransaction struct {
	ID                  uint      `gorm:"column:id;primaryKey;autoIncrement"`
	WalletAddress       string    `gorm:"column:wallet_address;type:varchar(42);not null;index:idx_wallet_created,priority:1"`
	RFIDTagID           string    `gorm:"column:rfid_tag_id;type:varchar(100);not null"`
	TollBoothID         string    `gorm:"column:toll_booth_id;type:varchar(20);not null;index"`
	TollBoothName       string    `gorm:"column:toll_booth_name;type:varchar(100)"`
	AmountWei           string    `gorm:"column:amount_wei;type:varchar(78);not null"`
	AmountEth           string    `gorm:"column:amount_eth;type:varchar(40);not null"`
	TxHash              string    `gorm:"column:tx_hash;type:varchar(66);not null;uniqueIndex"`
	BlockNumber         int64     `gorm:"column:block_number"`
	Status              string    `gorm:"column:status;type:varchar(20);default:'confirmed'"`
	AnonAadhaarVerified bool      `gorm:"column:anon_aadhaar_verified;default:false"`
	CreatedAt           time.Time `gorm:"column:created_at;index:idx_wallet_created,priority:2"`
}

func (TollTransaction) TableName() string {
	return "toll_transactions"
}

// BoothStat aggregates the ledger per toll booth.
type BoothStat struct {
	TollBoothID   string `gorm:"column:toll_booth_id" json:"toll_booth_id"`
	TollBoothName string `gorm:"column:toll_booth_name" json:"toll_booth_name"`
	Count         int64  `gorm:"column:count" json:"count"`
	TotalWei      string `gorm:"-" json:"total_wei"`
	TotalEth      string `gorm:"-" json:"total_eth"`
}
