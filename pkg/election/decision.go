package election

import (
	"time"

	"leaselock/pkg/coordination"
	"leaselock/pkg/models"
)

// Action is what an invocation wrote to the store.
type Action string

const (
	ActionNone  Action = "none"
	ActionClaim Action = "claim"
	ActionRenew Action = "renew"
)

// Reason explains a decision or an observation.
type Reason string

const (
	ReasonAbsent           Reason = "absent"
	ReasonStale            Reason = "stale"
	ReasonHeld             Reason = "held"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonMalformed        Reason = "malformed"
	ReasonClock            Reason = "clock"
	ReasonUnavailable      Reason = "unavailable"
	ReasonRejected         Reason = "rejected"
	ReasonRenewed          Reason = "renewed"
)

// Observation is what the store said about the lock, before any write.
type Observation struct {
	CheckedAt time.Time          `json:"checked_at"`
	Present   bool               `json:"present"`
	Record    *models.LockRecord `json:"record,omitempty"`
	Holder    string             `json:"holder,omitempty"`
	Age       time.Duration      `json:"age"`
	Valid     bool               `json:"valid"`
	Fresh     bool               `json:"fresh"`
	Reason    Reason             `json:"reason"`

	// Version is the token a claim over this observation is conditioned on.
	Version coordination.Version `json:"-"`
	// FetchErr is set when synchronizing with the remote failed; the rest of the
	// observation then reflects local knowledge only.
	FetchErr error `json:"-"`
	Err      error `json:"-"`
}

// Authoritative reports whether the observed record currently holds the lease.
func (o Observation) Authoritative() bool {
	return o.Valid && o.Fresh
}

// Decision is the outcome of one Check or Renew.
type Decision struct {
	Leader    bool               `json:"leader"`
	State     State              `json:"state"`
	Action    Action             `json:"action"`
	Reason    Reason             `json:"reason"`
	Holder    string             `json:"holder,omitempty"`
	Record    *models.LockRecord `json:"record,omitempty"`
	Attempts  int                `json:"attempts"`
	DecidedAt time.Time          `json:"decided_at"`

	// Err is the store fault behind a degraded decision, if any.
	Err error `json:"-"`
}
