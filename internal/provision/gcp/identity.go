package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/compute/metadata"

	"github.com/terrpan/gpurun/internal/provision"
)

// MetadataIdentity reads the local GCE metadata server.  It is how the
// executor learns its own handle without having it passed in.
type MetadataIdentity struct{}

var _ provision.Identity = MetadataIdentity{}

// OnGCE reports whether the metadata server is reachable.
func OnGCE() bool {
	return metadata.OnGCE()
}

// InstanceID returns the name of the VM this process runs on.
func (MetadataIdentity) InstanceID(ctx context.Context) (string, error) {
	name, err := metadata.InstanceNameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("metadata instance name: %w", err)
	}
	return name, nil
}

// Location returns the project and zone of the local VM.
func (MetadataIdentity) Location(ctx context.Context) (project, zone string, err error) {
	project, err = metadata.ProjectIDWithContext(ctx)
	if err != nil {
		return "", "", fmt.Errorf("metadata project: %w", err)
	}
	zone, err = metadata.ZoneWithContext(ctx)
	if err != nil {
		return "", "", fmt.Errorf("metadata zone: %w", err)
	}
	return project, zone, nil
}

// Attribute returns a custom instance metadata value.
func (MetadataIdentity) Attribute(ctx context.Context, key string) (string, error) {
	v, err := metadata.InstanceAttributeValueWithContext(ctx, key)
	if err != nil {
		return "", fmt.Errorf("metadata attribute %s: %w", key, err)
	}
	return v, nil
}
