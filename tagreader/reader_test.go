package tagreader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedReader_UniqueIDs(t *testing.T) {
	fixed := time.UnixMilli(1760000000000)
	r := &SimulatedReader{Now: func() time.Time { return fixed }}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		reading, err := r.Scan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SourceSimulated, reading.Source)
		assert.False(t, seen[reading.TagID], "duplicate tag id %s", reading.TagID)
		seen[reading.TagID] = true
	}
}

func TestSimulatedReader_Cancelled(t *testing.T) {
	r := &SimulatedReader{Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Scan(ctx)
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, CodeReadFailed, scanErr.Code)
}

func TestDeviceReader_Scan(t *testing.T) {
	pr, pw := io.Pipe()
	d := newDeviceReader("pipe", pr)
	defer d.Close()

	go func() {
		pw.Write([]byte("04a1b2c3\n\n04A1B2C3\n"))
		pw.Close()
	}()

	first, err := d.Scan(context.Background())
	require.NoError(t, err)
	second, err := d.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SourceHardware, first.Source)
	assert.Contains(t, first.TagID, "04A1B2C3-")
	assert.Contains(t, second.TagID, "04A1B2C3-")
	assert.NotEqual(t, first.TagID, second.TagID)

	_, err = d.Scan(context.Background())
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, CodeReadFailed, scanErr.Code)
}

func TestDeviceReader_ReadError(t *testing.T) {
	pr, pw := io.Pipe()
	d := newDeviceReader("pipe", pr)
	pw.CloseWithError(errors.New("usb disconnected"))

	_, err := d.Scan(context.Background())
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Contains(t, scanErr.Reason, "usb disconnected")
}

func TestDeviceReader_NoTag(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	d := newDeviceReader("pipe", pr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Scan(ctx)
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, CodeReadFailed, scanErr.Code)
}

func TestDeviceReader_DropsStaleTaps(t *testing.T) {
	var clock atomic.Int64
	start := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	clock.Store(start.UnixNano())

	pr, pw := io.Pipe()
	defer pw.Close()
	d := newDeviceReader("pipe", pr)
	d.now = func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	_, err := pw.Write([]byte("0AAAAAAA\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(d.taps) == 1 }, time.Second, time.Millisecond)

	later := start.Add(time.Minute)
	clock.Store(later.UnixNano())
	go pw.Write([]byte("0BBBBBBB\n"))

	reading, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Contains(t, reading.TagID, "0BBBBBBB-")
	assert.Equal(t, later, reading.ReadAt)
}

func TestOpenDevice_Missing(t *testing.T) {
	_, err := OpenDevice(filepath.Join(t.TempDir(), "ttyRFID0"))
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, CodeUnsupported, scanErr.Code)
}

func TestDetect(t *testing.T) {
	logger := cmtlog.NewNopLogger()

	assert.Equal(t, SourceSimulated, Detect("", logger).Source())
	assert.Equal(t, SourceSimulated, Detect(filepath.Join(t.TempDir(), "missing"), logger).Source())

	path := filepath.Join(t.TempDir(), "ttyRFID0")
	require.NoError(t, os.WriteFile(path, []byte("DEADBEEF\n"), 0o600))

	reader := Detect(path, logger)
	require.Equal(t, SourceHardware, reader.Source())
	defer reader.(*DeviceReader).Close()

	reading, err := reader.Scan(context.Background())
	require.NoError(t, err)
	assert.Contains(t, reading.TagID, "DEADBEEF-")
}
