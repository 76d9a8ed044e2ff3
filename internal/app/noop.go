package app

import (
	"context"

	"github.com/meridianapi/gatekeeper/pkg/prefetch"
)

// noActiveUsers is the default prefetch.ActiveUserSource: profile/session
// storage is an explicit external collaborator per §1 Non-goals, so the
// core ships with a source that warms nothing until an operator wires a
// real one in. It keeps C7's sweep loop live and testable without
// fabricating a fake user directory.
type noActiveUsers struct{}

func (noActiveUsers) ActiveTargets(ctx context.Context) ([]prefetch.Target, error) {
	return nil, nil
}
