package tollbooth

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Payment statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// PaymentRecord is the immutable ledger entry of one settled toll payment.
type PaymentRecord struct {
	WalletAddress       string
	TagID               string
	TollBoothID         string
	TollBoothName       string
	AmountBaseUnits     *big.Int
	AmountDisplay       string
	TxHash              string
	BlockNumber         int64
	Status              string
	AttestationVerified bool
	CreatedAt           time.Time
}

type recordJSON struct {
	WalletAddress       string    `json:"wallet_address"`
	TagID               string    `json:"rfid_tag_id"`
	TollBoothID         string    `json:"toll_booth_id"`
	TollBoothName       string    `json:"toll_booth_name"`
	AmountWei           string    `json:"amount_wei"`
	AmountEth           string    `json:"amount_eth"`
	TxHash              string    `json:"tx_hash"`
	BlockNumber         int64     `json:"block_number"`
	Status              string    `json:"status"`
	AttestationVerified bool      `json:"anon_aadhaar_verified"`
	CreatedAt           time.Time `json:"created_at"`
}

func (r PaymentRecord) MarshalJSON() ([]byte, error) {
	wei := "0"
	if r.AmountBaseUnits != nil {
		wei = r.AmountBaseUnits.String()
	}
	return json.Marshal(recordJSON{
		WalletAddress:       r.WalletAddress,
		TagID:               r.TagID,
		TollBoothID:         r.TollBoothID,
		TollBoothName:       r.TollBoothName,
		AmountWei:           wei,
		AmountEth:           r.AmountDisplay,
		TxHash:              r.TxHash,
		BlockNumber:         r.BlockNumber,
		Status:              r.Status,
		AttestationVerified: r.AttestationVerified,
		CreatedAt:           r.CreatedAt,
	})
}

func (r *PaymentRecord) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(w.AmountWei, 10)
	if !ok {
		return fmt.Errorf("invalid amount_wei %q", w.AmountWei)
	}
	*r = PaymentRecord{
		WalletAddress:       w.WalletAddress,
		TagID:               w.TagID,
		TollBoothID:         w.TollBoothID,
		TollBoothName:       w.TollBoothName,
		AmountBaseUnits:     amount,
		AmountDisplay:       w.AmountEth,
		TxHash:              w.TxHash,
		BlockNumber:         w.BlockNumber,
		Status:              w.Status,
		AttestationVerified: w.AttestationVerified,
		CreatedAt:           w.CreatedAt,
	}
	return nil
}
