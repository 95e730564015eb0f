package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// MetadataKey is the instance metadata key carrying the JSON-encoded
// Params.
const MetadataKey = "gpurun-params"

// ErrInvalidParams is wrapped by every Params validation failure.
var ErrInvalidParams = errors.New("invalid run parameters")

// Params is everything the executor needs to know about the run it
// hosts.  It travels from the launch controller to the instance as
// metadata.
type Params struct {
	// Image is the job container image reference.
	Image string `json:"image"`

	// DataURI is handed to the job verbatim.
	DataURI string `json:"data_uri,omitempty"`

	// OutputPrefix is the key prefix of the run ledger in the bucket.
	OutputPrefix string `json:"output_prefix"`

	MaxRuntimeSeconds int64 `json:"max_runtime_seconds"`
	SelfTerminate     bool  `json:"self_terminate"`
	GraceSeconds      int64 `json:"grace_seconds"`

	// Cmd overrides the image's default arguments.
	Cmd []string `json:"cmd,omitempty"`

	// Env is static, non-secret job environment.
	Env map[string]string `json:"env,omitempty"`

	// Secrets maps job env var name to a secret store reference.  Only
	// references travel in metadata, never values.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// MaxRuntime is the runtime ceiling the Safety Monitor enforces.
func (p Params) MaxRuntime() time.Duration {
	return time.Duration(p.MaxRuntimeSeconds) * time.Second
}

// Grace is how long the executor waits before self-terminating.
func (p Params) Grace() time.Duration {
	return time.Duration(p.GraceSeconds) * time.Second
}

// Validate checks the fields both sides rely on.
func (p Params) Validate() error {
	if p.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidParams)
	}
	if p.OutputPrefix == "" {
		return fmt.Errorf("%w: output prefix is required", ErrInvalidParams)
	}
	if p.MaxRuntimeSeconds <= 0 {
		return fmt.Errorf("%w: max runtime must be > 0", ErrInvalidParams)
	}
	if p.GraceSeconds < 0 {
		return fmt.Errorf("%w: grace must not be negative", ErrInvalidParams)
	}
	for env := range p.Secrets {
		if _, clash := p.Env[env]; clash {
			return fmt.Errorf("%w: %s is both a static env var and a secret", ErrInvalidParams, env)
		}
	}
	return nil
}

// EncodeParams validates and marshals p.
func EncodeParams(p Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(data), nil
}

// DecodeParams unmarshals and validates data.
func DecodeParams(data []byte) (Params, error) {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// AttributeReader reads custom instance metadata.
type AttributeReader interface {
	Attribute(ctx context.Context, key string) (string, error)
}

// ParamsFromMetadata reads Params from the local instance metadata.
func ParamsFromMetadata(ctx context.Context, r AttributeReader) (Params, error) {
	raw, err := r.Attribute(ctx, MetadataKey)
	if err != nil {
		return Params{}, fmt.Errorf("read %s: %w", MetadataKey, err)
	}
	return DecodeParams([]byte(raw))
}

// ParamsFromFile reads Params from a JSON file.
func ParamsFromFile(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("reading params %s: %w", path, err)
	}
	return DecodeParams(data)
}
