package tagreader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// MaxTapAge bounds how long before a Scan call a tap may have happened and
// still be returned by it.
const MaxTapAge = 2 * time.Second

// DeviceReader reads tag serials from a reader exposed as a character device
// or serial port. The reader emits one serial per line on every tap.
type DeviceReader struct {
	path string
	dev  io.ReadCloser
	taps chan tap
	now  func() time.Time

	mu      sync.Mutex
	readErr error
}

// OpenDevice opens path and starts consuming it.
func OpenDevice(path string) (*DeviceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, &ScanError{Code: CodePermissionDenied, Reason: fmt.Sprintf("no permission to read %s", path)}
		case errors.Is(err, os.ErrNotExist):
			return nil, &ScanError{Code: CodeUnsupported, Reason: fmt.Sprintf("no tag reader at %s", path)}
		default:
			return nil, &ScanError{Code: CodeReadFailed, Reason: err.Error()}
		}
	}
	return newDeviceReader(path, f), nil
}

func newDeviceReader(path string, dev io.ReadCloser) *DeviceReader {
	d := &DeviceReader{
		path: path,
		dev:  dev,
		taps: make(chan tap, 16),
		now:  time.Now,
	}
	go d.pump()
	return d
}

type tap struct {
	serial string
	at     time.Time
}

func (d *DeviceReader) pump() {
	defer close(d.taps)
	scanner := bufio.NewScanner(d.dev)
	for scanner.Scan() {
		serial := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if serial == "" {
			continue
		}
		d.taps <- tap{serial: serial, at: d.now()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := scanner.Err(); err != nil {
		d.readErr = err
	} else {
		d.readErr = io.EOF
	}
}

func (d *DeviceReader) Source() Source { return SourceHardware }

// Scan blocks until the next tap or until ctx is done. Taps buffered more
// than MaxTapAge before the call are discarded.
func (d *DeviceReader) Scan(ctx context.Context) (*TagReading, error) {
	oldest := d.now().Add(-MaxTapAge)
	for {
		select {
		case <-ctx.Done():
			return nil, &ScanError{Code: CodeReadFailed, Reason: "no tag presented: " + ctx.Err().Error()}
		case t, ok := <-d.taps:
			if !ok {
				d.mu.Lock()
				err := d.readErr
				d.mu.Unlock()
				return nil, &ScanError{Code: CodeReadFailed, Reason: fmt.Sprintf("reader %s stopped: %v", d.path, err)}
			}
			if t.at.Before(oldest) {
				continue
			}
			return &TagReading{
				TagID:  fmt.Sprintf("%s-%d", t.serial, t.at.UnixNano()),
				Source: SourceHardware,
				ReadAt: t.at,
			}, nil
		}
	}
}

// Close releases the device.
func (d *DeviceReader) Close() error {
	return d.dev.Close()
}

// Detect picks the reader implementation once at start-up. A configured and
// readable device wins; anything else falls back to the simulator.
func Detect(devicePath string, logger cmtlog.Logger) Reader {
	if devicePath == "" {
		logger.Info("No tag reader configured, using simulated reader")
		return &SimulatedReader{}
	}

	dev, err := OpenDevice(devicePath)
	if err != nil {
		logger.Error("Tag reader unavailable, using simulated reader", "device", devicePath, "err", err)
		return &SimulatedReader{}
	}

	logger.Info("Using hardware tag reader", "device", devicePath)
	return dev
}
