package app

import (
	"fmt"
	"net/http"

	"github.com/meridianapi/gatekeeper/pkg/mediation"
	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// headerIdentity reads the caller identity from headers set by the upstream
// auth layer (out of scope per §1: OAuth/session flows are an external
// collaborator's job; this core only consumes their output).
type headerIdentity struct{}

func (headerIdentity) Identity(r *http.Request) (mediation.Identity, error) {
	user := r.Header.Get("X-User-ID")
	if user == "" {
		return mediation.Identity{}, fmt.Errorf("missing X-User-ID header")
	}
	t := tier.Tier(r.Header.Get("X-User-Tier"))
	if !t.Valid() {
		t = tier.Free
	}
	return mediation.Identity{User: user, Tier: t}, nil
}
