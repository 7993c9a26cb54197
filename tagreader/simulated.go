package tagreader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// SimulatedReader produces synthetic tag ids. Ids embed the scan time and a
// per-reader sequence number so no two scans share an id.
type SimulatedReader struct {
	Delay time.Duration
	Now   func() time.Time

	seq atomic.Uint64
}

func (r *SimulatedReader) Source() Source { return SourceSimulated }

func (r *SimulatedReader) Scan(ctx context.Context) (*TagReading, error) {
	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, &ScanError{Code: CodeReadFailed, Reason: ctx.Err().Error()}
		case <-timer.C:
		}
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	at := now()
	n := r.seq.Add(1)

	return &TagReading{
		TagID:  fmt.Sprintf("SIM-%d-%04d", at.UnixMilli(), n),
		Source: SourceSimulated,
		ReadAt: at,
	}, nil
}
