package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/thakursanju/smartToll/tollbooth"

	"github.com/dgraph-io/badger/v4"
)

var spoolPrefix = []byte("spool:")

// Spool keeps settled records whose ledger insert failed so they can be
// retried. Records are keyed by tx hash, so re-spooling is idempotent.
type Spool struct {
	db *badger.DB
}

func NewSpool(db *badger.DB) *Spool {
	return &Spool{db: db}
}

// OpenSpool opens a badger database at path, or an in-memory one when path
// is empty.
func OpenSpool(path string) (*Spool, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func spoolKey(txHash string) []byte {
	return append(append([]byte{}, spoolPrefix...), txHash...)
}

func (s *Spool) Put(rec tollbooth.PaymentRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(spoolKey(rec.TxHash), value)
	})
}

func (s *Spool) Delete(txHash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(spoolKey(txHash))
	})
}

// List returns every spooled record in key order.
func (s *Spool) List() ([]tollbooth.PaymentRecord, error) {
	var records []tollbooth.PaymentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(spoolPrefix); it.ValidForPrefix(spoolPrefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec tollbooth.PaymentRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decode spooled record %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (s *Spool) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(spoolPrefix); it.ValidForPrefix(spoolPrefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
