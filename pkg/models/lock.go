package models

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the on-store representation of LockRecord.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05Z"

var (
	// ErrMalformedRecord is returned when a stored record does not carry all three fields.
	ErrMalformedRecord = errors.New("malformed lock record")

	// ErrClock is returned when a record timestamp cannot be interpreted.
	ErrClock = errors.New("unusable lock timestamp")
)

// LockRecord is the signed lease written to the coordination store.
type LockRecord struct {
	Timestamp time.Time `json:"timestamp"`
	MachineID string    `json:"machine_id"`
	Signature string    `json:"signature"`
}

// NewLockRecord returns an unsigned record for machineID at ts, normalized to UTC seconds.
func NewLockRecord(ts time.Time, machineID string) LockRecord {
	return LockRecord{
		Timestamp: ts.UTC().Truncate(time.Second),
		MachineID: machineID,
	}
}

// FormattedTimestamp renders the timestamp exactly as it is stored and signed.
func (r LockRecord) FormattedTimestamp() string {
	return r.Timestamp.UTC().Format(TimestampLayout)
}

// SigningContent is timestamp ‖ machine_id.
func (r LockRecord) SigningContent() []byte {
	return []byte(r.FormattedTimestamp() + r.MachineID)
}

// Validate reports whether the record can be encoded without ambiguity.
func (r LockRecord) Validate() error {
	if r.MachineID == "" {
		return fmt.Errorf("%w: empty machine id", ErrMalformedRecord)
	}
	if strings.ContainsAny(r.MachineID, "\r\n") {
		return fmt.Errorf("%w: machine id contains a line break", ErrMalformedRecord)
	}
	if strings.ContainsAny(r.Signature, "\r\n") {
		return fmt.Errorf("%w: signature contains a line break", ErrMalformedRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrClock)
	}
	return nil
}

// Age returns how long ago the record was produced. Future timestamps yield a negative age.
func (r LockRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// IsFresh reports whether the lease is still running at now.
func (r LockRecord) IsFresh(now time.Time, lease time.Duration) bool {
	return r.Age(now) < lease
}

// Encode serializes the record as timestamp, machine id and signature, one per line.
func Encode(r LockRecord) []byte {
	var buf bytes.Buffer
	buf.WriteString(r.FormattedTimestamp())
	buf.WriteByte('\n')
	buf.WriteString(r.MachineID)
	buf.WriteByte('\n')
	buf.WriteString(r.Signature)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Decode parses a record produced by Encode. Lines beyond the third are ignored.
func Decode(data []byte) (LockRecord, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 3 {
		return LockRecord{}, fmt.Errorf("%w: expected 3 lines, got %d", ErrMalformedRecord, len(lines))
	}

	ts, err := time.Parse(TimestampLayout, strings.TrimSpace(lines[0]))
	if err != nil {
		return LockRecord{}, fmt.Errorf("%w: %q: %v", ErrClock, lines[0], err)
	}

	return LockRecord{
		Timestamp: ts.UTC(),
		MachineID: lines[1],
		Signature: strings.TrimSpace(lines[2]),
	}, nil
}
