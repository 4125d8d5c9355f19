package election

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the position of this machine in the protocol.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateFollower
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateFollower:
		return "follower"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailurePolicy decides what happens when the current holder cannot be established.
type FailurePolicy string

const (
	// FailOpen treats an unreadable, unverifiable or unreachable lock as absent and claims.
	FailOpen FailurePolicy = "open"
	// FailClosed stays follower until the lock can be read and verified.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy accepts "open"/"closed" and the fail-open/fail-closed spellings.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "fail-open", "fail_open":
		return FailOpen, nil
	case "closed", "fail-closed", "fail_closed":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want open or closed)", s)
	}
}

// Config tunes one election.
type Config struct {
	// Key is the store key holding the lock record.
	Key string
	// MachineID is written into every record this machine publishes.
	MachineID string

	LeaseDuration    time.Duration
	OperationTimeout time.Duration
	// MaxClockSkew bounds how far in the future a record timestamp may lie.
	MaxClockSkew time.Duration

	Policy FailurePolicy

	// MaxAttempts caps claim attempts after compare-and-set conflicts, first attempt included.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultKey is the coordination reference used when none is configured.
const DefaultKey = "state/active.lock"

func DefaultConfig(machineID string) Config {
	return Config{
		Key:                  DefaultKey,
		MachineID:            machineID,
		LeaseDuration:        300 * time.Second,
		OperationTimeout:     15 * time.Second,
		MaxClockSkew:         60 * time.Second,
		Policy:               FailOpen,
		MaxAttempts:          3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
	}
}

var errInvalidConfig = errors.New("invalid election config")

func (c Config) Validate() error {
	switch {
	case c.Key == "":
		return fmt.Errorf("%w: empty lock key", errInvalidConfig)
	case c.MachineID == "":
		return fmt.Errorf("%w: empty machine id", errInvalidConfig)
	case strings.ContainsAny(c.MachineID, "\r\n"):
		return fmt.Errorf("%w: machine id contains a line break", errInvalidConfig)
	case c.LeaseDuration <= 0:
		return fmt.Errorf("%w: lease duration must be positive", errInvalidConfig)
	case c.OperationTimeout <= 0:
		return fmt.Errorf("%w: operation timeout must be positive", errInvalidConfig)
	case c.MaxClockSkew < 0:
		return fmt.Errorf("%w: negative clock skew", errInvalidConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", errInvalidConfig)
	}
	if c.Policy != FailOpen && c.Policy != FailClosed {
		return fmt.Errorf("%w: failure policy %q", errInvalidConfig, c.Policy)
	}
	return nil
}
