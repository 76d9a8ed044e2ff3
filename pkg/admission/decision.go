// Package admission implements the Rate-Limit Coordinator (C5): the single
// entry point that composes the response cache, the sliding-window counter,
// and the quota ledger into one admission Decision. Decisions are a closed
// sum type, never an error used for control flow, per the redesign notes.
package admission

import (
	"time"

	"github.com/meridianapi/gatekeeper/pkg/kinderr"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// Kind enumerates the four admission outcomes.
type Kind int

const (
	ServeCached Kind = iota
	CallUpstream
	Queue
	Reject
)

func (k Kind) String() string {
	switch k {
	case ServeCached:
		return "serve_cached"
	case CallUpstream:
		return "call_upstream"
	case Queue:
		return "queue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the tagged value Admit returns. Callers switch on Kind and
// read only the fields that apply to it.
type Decision struct {
	Kind Kind

	// ServeCached
	CachedValue string
	IsNegative  bool

	// CallUpstream — Lease must be passed back to Complete.
	Lease       string
	Fingerprint string

	// Queue
	QueuePosition    int
	EstimatedWaitSec int64

	// Reject: RejectKind and RetryAfterSec. ResetEpoch, CurrentUsage and
	// Limit are also set on ServeCached, CallUpstream and Queue decisions,
	// carrying the caller's rate-window standing.
	RejectKind    kinderr.Kind // RateDenied, QuotaDenied, or QueueFull
	RetryAfterSec int64
	ResetEpoch    int64
	CurrentUsage  int64
	Limit         int64
}

// Request carries everything Admit needs to make a decision.
type Request struct {
	Provider   tier.Provider
	Operation  tier.Operation
	User       string
	Tier       tier.Tier
	Params     map[string]string
	Priority   int
	AllowQueue bool
	Deadline   time.Time

	// VaryByTier and Cost come from the operation/cache-ttl tables resolved
	// by the caller (typically the mediation middleware) from C10's config.
	VaryByTier bool
	Cost       int64
	RPMLimit   int64
	DailyCap   int64
	CacheTTL   time.Duration
	NegativeTTL time.Duration
}

// OutcomeKind classifies how a dispatched upstream call finished, for
// Complete to react correctly (release lease, store/negative-cache, and
// decide whether to touch the ledger).
type OutcomeKind int

const (
	Success OutcomeKind = iota
	ProviderError
	ProviderThrottled
	AbortedBeforeDispatch
)

// Outcome is reported back to the coordinator once the caller has dispatched
// (or decided not to dispatch) an upstream call obtained via CallUpstream.
type Outcome struct {
	Kind        OutcomeKind
	Value       string // serialized response, required on Success
	Provider    tier.Provider
	User        string
	Cost        int64
	CacheTTL    time.Duration
	NegativeTTL time.Duration
}
