package app

import (
	"github.com/meridianapi/gatekeeper/internal/config"
	"github.com/meridianapi/gatekeeper/pkg/mediation"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// configLimits adapts the layered configuration document into
// mediation.LimitResolver, the one place C10's business-rule document feeds
// C8. pkg/mediation cannot import internal/config directly (pkg may not
// depend on internal), so this bridge lives in internal/app instead.
type configLimits struct {
	cfg *config.Config
}

func newConfigLimits(cfg *config.Config) *configLimits {
	return &configLimits{cfg: cfg}
}

func (l *configLimits) Limits(p tier.Provider, op tier.Operation, t tier.Tier) mediation.Limits {
	ttl := l.cfg.CacheTTLFor(p, op)
	return mediation.Limits{
		RPMLimit:      l.cfg.RateLimits[p],
		DailyCap:      l.cfg.DailyCap(t, p),
		Cost:          l.cfg.OperationCost(p, op),
		CacheTTL:      ttl.Positive(),
		NegativeTTL:   ttl.Negative(),
		VaryByTier:    true,
		AllowQueue:    l.cfg.AllowQueue(),
		QueuePriority: 0,
		QueueDeadline: l.cfg.QueueDeadline(),
		FailOpen:      l.cfg.FailOpen(p),
	}
}
