package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type versionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// SecretManagerStore reads the latest version of secrets from GCP
// Secret Manager.  Authentication uses Application Default Credentials,
// inside the instance that is the attached service account.
type SecretManagerStore struct {
	client  versionAccessor
	project string
	logger  *slog.Logger
}

var _ Store = (*SecretManagerStore)(nil)

// NewSecretManager creates a store for project.
func NewSecretManager(ctx context.Context, project string, logger *slog.Logger) (*SecretManagerStore, error) {
	if project == "" {
		return nil, fmt.Errorf("secret manager: project is required")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	return newSecretManager(client, project, logger), nil
}

func newSecretManager(client versionAccessor, project string, logger *slog.Logger) *SecretManagerStore {
	return &SecretManagerStore{client: client, project: project, logger: logger}
}

// Fetch accepts a bare secret name, "name@version", or a full resource
// name starting with "projects/".
func (s *SecretManagerStore) Fetch(ctx context.Context, name string) (string, error) {
	resource := s.resourceName(name)

	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%s: %w", resource, ErrNotFound)
		}
		return "", fmt.Errorf("access secret %s: %w", resource, err)
	}

	// Log the resource, never the payload.
	s.logger.Debug("secret fetched", slog.String("secret", resource))
	return string(resp.GetPayload().GetData()), nil
}

func (s *SecretManagerStore) resourceName(name string) string {
	if strings.HasPrefix(name, "projects/") {
		return name
	}
	version := "latest"
	if n, v, ok := strings.Cut(name, "@"); ok {
		name, version = n, v
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", s.project, name, version)
}

// Close releases the API client.
func (s *SecretManagerStore) Close() error {
	return s.client.Close()
}
