// Package secrets fetches secret material just in time for the job
// container.  Values are returned to the caller and never written to
// disk by this package.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store resolves a secret by name.
type Store interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Resolve fetches every reference in refs (env var name -> secret name)
// and returns env var name -> value.  It stops at the first failure.
func Resolve(ctx context.Context, store Store, refs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	if store == nil {
		return nil, errors.New("secret references given but no secret store configured")
	}
	for _, env := range slices.Sorted(maps.Keys(refs)) {
		v, err := store.Fetch(ctx, refs[env])
		if err != nil {
			return nil, fmt.Errorf("fetch secret for %s: %w", env, err)
		}
		out[env] = v
	}
	return out, nil
}
