// Package tagreader acquires vehicle tag ids from RFID/NFC hardware or from a
// simulator when no reader is attached.
package tagreader

import (
	"context"
	"fmt"
	"time"
)

// Source tells where a reading came from.
type Source string

const (
	SourceHardware  Source = "hardware"
	SourceSimulated Source = "simulated"
)

// Error codes carried by ScanError.
const (
	CodeUnsupported      = "UNSUPPORTED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeReadFailed       = "READ_FAILED"
)

// TagReading is the result of one scan event.
type TagReading struct {
	TagID  string    `json:"tag_id"`
	Source Source    `json:"source"`
	ReadAt time.Time `json:"read_at"`
}

// Reader is implemented by every tag source.
type Reader interface {
	Scan(ctx context.Context) (*TagReading, error)
	Source() Source
}

// ScanError is fatal to the current payment attempt; the user has to scan
// again.
type ScanError struct {
	Code   string
	Reason string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan failed (%s): %s", e.Code, e.Reason)
}
