package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/thakursanju/smartToll/repository/models"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgreSQL error codes as constants
const (
	PgErrUniqueViolation    = "23505" // unique_violation
	PgErrCheckViolation     = "23514" // check_violation
	PgErrNotNullViolation   = "23502" // not_null_violation
	PgErrStringDataTooLong  = "22001" // string_data_right_truncation
	PgErrInvalidTextRepr    = "22P02" // invalid_text_representation
	PgErrUndefinedTable     = "42P01" // undefined_table
	PgErrConnectionFailure  = "08006" // connection_failure
	PgErrAdminShutdown      = "57P01" // admin_shutdown
	PgErrInsufficientMemory = "53200" // out_of_memory
)

// Repository error codes.
const (
	ErrCodeDuplicate = "DUPLICATE_TX"
	ErrCodeNotFound  = "NOT_FOUND"
	ErrCodeDatabase  = "DATABASE_ERROR"
	ErrCodeInvalid   = "INVALID_RECORD"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// RepositoryError represent an error in the repository layer
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Repository is the append-only toll payment ledger.
type Repository struct {
	db     *gorm.DB
	logger cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger}
}

// ConnectDB opens the ledger database, retrying while the server comes up.
func (r *Repository) ConnectDB(driver, dsn string, attempts int) error {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := range attempts {
		r.logger.Info("Connecting to ledger database", "driver", driver, "attempt", i+1)
		db, err := gorm.Open(dialector, &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			r.db = db
			r.logger.Info("Connected to ledger database", "driver", driver)
			return nil
		}
		lastErr = err
		r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
		if i < attempts-1 {
			time.Sleep(2 * time.Second)
		}
	}
	return fmt.Errorf("connect %s: %w", driver, lastErr)
}

func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(&models.TollTransaction{}); err != nil {
		return fmt.Errorf("migrate toll_transactions: %w", err)
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InsertTransaction appends rec to the ledger. A second insert with the same
// tx hash fails with ErrCodeDuplicate.
func (r *Repository) InsertTransaction(ctx context.Context, rec tollbooth.PaymentRecord) *RepositoryError {
	if rec.TxHash == "" || rec.WalletAddress == "" || rec.AmountBaseUnits == nil {
		return &RepositoryError{
			Code:    ErrCodeInvalid,
			Message: "record is missing tx hash, wallet or amount",
		}
	}

	row := toModel(rec)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return TranslateError(err)
	}
	return nil
}

// ListByWallet returns the wallet's payments, newest first.
func (r *Repository) ListByWallet(ctx context.Context, wallet string, limit int) ([]tollbooth.PaymentRecord, *RepositoryError) {
	var rows []models.TollTransaction
	q := r.db.WithContext(ctx).
		Where("wallet_address = ?", normalizeWallet(wallet)).
		Order("created_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, TranslateError(err)
	}

	records := make([]tollbooth.PaymentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromModel(row))
	}
	return records, nil
}

func (r *Repository) GetByTxHash(ctx context.Context, txHash string) (*tollbooth.PaymentRecord, *RepositoryError) {
	var row models.TollTransaction
	err := r.db.WithContext(ctx).Where("tx_hash = ?", strings.ToLower(txHash)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    ErrCodeNotFound,
				Message: "Transaction not found",
				Detail:  fmt.Sprintf("No toll transaction with hash %s", txHash),
			}
		}
		return nil, TranslateError(err)
	}
	rec := fromModel(row)
	return &rec, nil
}

// BoothStats aggregates payments per toll booth, ordered by booth id.
func (r *Repository) BoothStats(ctx context.Context) ([]models.BoothStat, *RepositoryError) {
	var rows []models.TollTransaction
	err := r.db.WithContext(ctx).
		Select("toll_booth_id", "toll_booth_name", "amount_wei").
		Find(&rows).Error
	if err != nil {
		return nil, TranslateError(err)
	}

	type acc struct {
		name  string
		count int64
		total *big.Int
	}
	byBooth := make(map[string]*acc)
	for _, row := range rows {
		a, ok := byBooth[row.TollBoothID]
		if !ok {
			a = &acc{name: row.TollBoothName, total: new(big.Int)}
			byBooth[row.TollBoothID] = a
		}
		amount, ok := new(big.Int).SetString(row.AmountWei, 10)
		if !ok {
			r.logger.Error("Skipping unparsable amount", "booth", row.TollBoothID, "amount_wei", row.AmountWei)
			continue
		}
		a.count++
		a.total.Add(a.total, amount)
	}

	stats := make([]models.BoothStat, 0, len(byBooth))
	for id, a := range byBooth {
		stats = append(stats, models.BoothStat{
			TollBoothID:   id,
			TollBoothName: a.name,
			Count:         a.count,
			TotalWei:      a.total.String(),
			TotalEth:      tollbooth.FormatEther(a.total),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TollBoothID < stats[j].TollBoothID })
	return stats, nil
}

// TranslateError maps driver errors to a RepositoryError.
func TranslateError(err error) *RepositoryError {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &RepositoryError{
			Code:    ErrCodeDuplicate,
			Message: "Transaction already recorded",
			Detail:  err.Error(),
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == PgErrUniqueViolation {
			return &RepositoryError{
				Code:    ErrCodeDuplicate,
				Message: pgErr.Message,
				Detail:  pgErr.Detail,
			}
		}
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}

	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &RepositoryError{
			Code:    ErrCodeDuplicate,
			Message: "Transaction already recorded",
			Detail:  err.Error(),
		}
	}

	return &RepositoryError{
		Code:    ErrCodeDatabase,
		Message: "Database operation failed",
		Detail:  err.Error(),
	}
}

func normalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func toModel(rec tollbooth.PaymentRecord) models.TollTransaction {
	status := rec.Status
	if status == "" {
		status = tollbooth.StatusConfirmed
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	display := rec.AmountDisplay
	if display == "" {
		display = tollbooth.FormatEther(rec.AmountBaseUnits)
	}
	return models.TollTransaction{
		WalletAddress:       normalizeWallet(rec.WalletAddress),
		RFIDTagID:           rec.TagID,
		TollBoothID:         rec.TollBoothID,
		TollBoothName:       rec.TollBoothName,
		AmountWei:           rec.AmountBaseUnits.String(),
		AmountEth:           display,
		TxHash:              strings.ToLower(rec.TxHash),
		BlockNumber:         rec.BlockNumber,
		Status:              status,
		AnonAadhaarVerified: rec.AttestationVerified,
		CreatedAt:           created.UTC(),
	}
}

func fromModel(row models.TollTransaction) tollbooth.PaymentRecord {
	amount, ok := new(big.Int).SetString(row.AmountWei, 10)
	if !ok {
		amount = new(big.Int)
	}
	return tollbooth.PaymentRecord{
		WalletAddress:       row.WalletAddress,
		TagID:               row.RFIDTagID,
		TollBoothID:         row.TollBoothID,
		TollBoothName:       row.TollBoothName,
		AmountBaseUnits:     amount,
		AmountDisplay:       row.AmountEth,
		TxHash:              row.TxHash,
		BlockNumber:         row.BlockNumber,
		Status:              row.Status,
		AttestationVerified: row.AnonAadhaarVerified,
		CreatedAt:           row.CreatedAt.UTC(),
	}
}
