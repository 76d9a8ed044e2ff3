package app

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridianapi/gatekeeper/pkg/tier"
)

// routeClassifier maps the mounted path shape /v1/{provider}/{operation}
// onto the (provider, operation, params) triple the admission coordinator
// reasons about. Query parameters become cache fingerprint params verbatim.
type routeClassifier struct{}

func (routeClassifier) Classify(r *http.Request) (tier.Provider, tier.Operation, map[string]string, error) {
	p := tier.Provider(chi.URLParam(r, "provider"))
	if !p.Valid() {
		return "", "", nil, fmt.Errorf("unknown provider %q", chi.URLParam(r, "provider"))
	}
	op := tier.Operation(chi.URLParam(r, "operation"))
	if op == "" {
		return "", "", nil, fmt.Errorf("missing operation")
	}

	params := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return p, op, params, nil
}
