package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/thakursanju/smartToll/repository"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]tollbooth.PaymentRecord
	down bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]tollbooth.PaymentRecord)}
}

func (f *fakeStore) InsertTransaction(_ context.Context, rec tollbooth.PaymentRecord) *repository.RepositoryError {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return &repository.RepositoryError{Code: repository.ErrCodeDatabase, Message: "connection refused"}
	}
	if _, ok := f.rows[rec.TxHash]; ok {
		return &repository.RepositoryError{Code: repository.ErrCodeDuplicate, Message: "duplicate"}
	}
	f.rows[rec.TxHash] = rec
	return nil
}

func (f *fakeStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []string
}

func (p *recordingPublisher) Publish(_ context.Context, rec tollbooth.PaymentRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, rec.TxHash)
	return nil
}

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	spool, err := OpenSpool("")
	require.NoError(t, err)
	t.Cleanup(func() { spool.Close() })
	return spool
}

func payment(hash string) tollbooth.PaymentRecord {
	return tollbooth.PaymentRecord{
		WalletAddress:   "0x1111111111111111111111111111111111111111",
		TagID:           "SIM-1-0001",
		TollBoothID:     "TB001",
		TollBoothName:   "Mumbai-Pune Expressway - Entry",
		AmountBaseUnits: big.NewInt(1_000_000_000_000_000),
		AmountDisplay:   "0.001",
		TxHash:          hash,
		BlockNumber:     18_000_001,
		Status:          tollbooth.StatusConfirmed,
		CreatedAt:       time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC),
	}
}

func TestAppend_InsertsAndNotifies(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	svc := NewService(store, pub, newTestSpool(t), cmtlog.NewNopLogger())

	require.NoError(t, svc.Append(context.Background(), payment("0x01")))
	assert.Contains(t, store.rows, "0x01")
	assert.Equal(t, []string{"0x01"}, pub.got)
}

func TestAppend_DuplicateIsSuccess(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	svc := NewService(store, pub, newTestSpool(t), cmtlog.NewNopLogger())

	require.NoError(t, svc.Append(context.Background(), payment("0x01")))
	require.NoError(t, svc.Append(context.Background(), payment("0x01")))
	assert.Len(t, pub.got, 1)
}

func TestAppend_FailureSpoolsAndRetries(t *testing.T) {
	store := newFakeStore()
	store.setDown(true)
	pub := &recordingPublisher{}
	spool := newTestSpool(t)
	svc := NewService(store, pub, spool, cmtlog.NewNopLogger())

	err := svc.Append(context.Background(), payment("0x02"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spooled")
	assert.Empty(t, pub.got)

	pending, err := svc.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	flushed, err := svc.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, flushed)

	store.setDown(false)
	flushed, err = svc.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []string{"0x02"}, pub.got)

	pending, err = svc.Pending()
	require.NoError(t, err)
	assert.Zero(t, pending)

	got := store.rows["0x02"]
	assert.Equal(t, 0, payment("0x02").AmountBaseUnits.Cmp(got.AmountBaseUnits))
	assert.True(t, payment("0x02").CreatedAt.Equal(got.CreatedAt))
}

func TestSpool_RoundTrip(t *testing.T) {
	spool := newTestSpool(t)

	require.NoError(t, spool.Put(payment("0xb")))
	require.NoError(t, spool.Put(payment("0xa")))
	require.NoError(t, spool.Put(payment("0xa")))

	records, err := spool.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "0xa", records[0].TxHash)
	assert.Equal(t, "Mumbai-Pune Expressway - Entry", records[0].TollBoothName)

	require.NoError(t, spool.Delete("0xa"))
	n, err := spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryWorker_Drains(t *testing.T) {
	store := newFakeStore()
	store.setDown(true)
	spool := newTestSpool(t)
	svc := NewService(store, nil, spool, cmtlog.NewNopLogger())

	require.Error(t, svc.Append(context.Background(), payment("0x03")))
	store.setDown(false)

	w := NewRetryWorker(svc, "@every 1s", cmtlog.NewNopLogger())
	w.run()

	pending, err := svc.Pending()
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Contains(t, store.rows, "0x03")

	require.NoError(t, w.Start())
	w.Stop()
}

func TestRetryWorker_BadSchedule(t *testing.T) {
	w := NewRetryWorker(NewService(newFakeStore(), nil, nil, cmtlog.NewNopLogger()), "every now and then", cmtlog.NewNopLogger())
	assert.Error(t, w.Start())
}
