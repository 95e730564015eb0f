package secrets

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
)

// DotenvStore reads secrets from a KEY=value file, typically a tmpfs
// mount provisioned out of band.  The file is re-read on every Fetch so
// nothing is cached in memory between runs.
type DotenvStore struct {
	Path string
}

var _ Store = DotenvStore{}

func (d DotenvStore) Fetch(_ context.Context, name string) (string, error) {
	values, err := godotenv.Read(d.Path)
	if err != nil {
		return "", fmt.Errorf("read secrets file %s: %w", d.Path, err)
	}
	v, ok := values[name]
	if !ok {
		return "", fmt.Errorf("%s in %s: %w", name, d.Path, ErrNotFound)
	}
	return v, nil
}
