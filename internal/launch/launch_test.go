package launch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/gpurun/internal/provision/provisiontest"
)

type LaunchSuite struct {
	suite.Suite
	ctx  context.Context
	prov *provisiontest.Fake
	ctrl *Controller
}

func (s *LaunchSuite) SetupTest() {
	s.ctx = context.Background()
	s.prov = provisiontest.NewFake()
	ctrl, err := New(Config{
		Provisioner: s.prov,
		Labels:      map[string]string{"budget": "lora"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(s.T(), err)
	s.ctrl = ctrl
}

func TestLaunchSuite(t *testing.T) {
	suite.Run(t, new(LaunchSuite))
}

func (s *LaunchSuite) request() Request {
	return Request{
		Image:         "ghcr.io/acme/lora-trainer:1.4",
		DataURI:       "gs://datasets/alpaca",
		OutputPrefix:  "experiments/lora/",
		MaxRuntime:    6 * time.Hour,
		SelfTerminate: true,
		Grace:         10 * time.Minute,
		Env:           map[string]string{"LLM_EPOCHS": "3"},
		Secrets:       map[string]string{"HF_TOKEN": "hf-token"},
	}
}

func (s *LaunchSuite) TestLaunch_ProvisionsLabeledInstance() {
	res, err := s.ctrl.Launch(s.ctx, s.request())
	require.NoError(s.T(), err)
	assert.Regexp(s.T(), regexp.MustCompile(`^gpurun-[0-9a-f]{8}$`), res.InstanceID)

	specs := s.prov.Provisioned()
	require.Len(s.T(), specs, 1)
	spec := specs[0]
	assert.Equal(s.T(), res.InstanceID, spec.Name)
	assert.Equal(s.T(), map[string]string{"budget": "lora", LabelManaged: "true"}, spec.Labels)
	assert.Equal(s.T(), 6*time.Hour+10*time.Minute+30*time.Minute, spec.MaxRunDuration)
}

func (s *LaunchSuite) TestLaunch_ParamsRoundTripThroughMetadata() {
	_, err := s.ctrl.Launch(s.ctx, s.request())
	require.NoError(s.T(), err)

	raw := s.prov.Provisioned()[0].Metadata[MetadataKey]
	p, err := DecodeParams([]byte(raw))
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "ghcr.io/acme/lora-trainer:1.4", p.Image)
	assert.Equal(s.T(), "gs://datasets/alpaca", p.DataURI)
	assert.Equal(s.T(), 6*time.Hour, p.MaxRuntime())
	assert.Equal(s.T(), 10*time.Minute, p.Grace())
	assert.True(s.T(), p.SelfTerminate)
	assert.Equal(s.T(), "hf-token", p.Secrets["HF_TOKEN"])
	assert.NotContains(s.T(), raw, "hf_", "only secret references travel in metadata")
}

func (s *LaunchSuite) TestLaunch_RejectsInvalid() {
	cases := map[string]func(*Request){
		"no image":          func(r *Request) { r.Image = "" },
		"no output":         func(r *Request) { r.OutputPrefix = "" },
		"zero ceiling":      func(r *Request) { r.MaxRuntime = 0 },
		"negative ceiling":  func(r *Request) { r.MaxRuntime = -time.Hour },
		"sub-second":        func(r *Request) { r.MaxRuntime = time.Millisecond },
		"negative grace":    func(r *Request) { r.Grace = -time.Second },
		"env/secret clash":  func(r *Request) { r.Env["HF_TOKEN"] = "x" },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			req := s.request()
			req.Env = map[string]string{"LLM_EPOCHS": "3"}
			mutate(&req)
			_, err := s.ctrl.Launch(s.ctx, req)
			assert.ErrorIs(s.T(), err, ErrInvalidRequest)
		})
	}
	assert.Empty(s.T(), s.prov.Provisioned(), "nothing is provisioned for an invalid request")
}

func (s *LaunchSuite) TestLaunch_ProvisionError() {
	s.prov.ProvisionErr = errors.New("ZONE_RESOURCE_POOL_EXHAUSTED")
	_, err := s.ctrl.Launch(s.ctx, s.request())
	assert.ErrorContains(s.T(), err, "ZONE_RESOURCE_POOL_EXHAUSTED")
}

func (s *LaunchSuite) TestLaunch_BackstopDisabled() {
	ctrl, err := New(Config{Provisioner: s.prov, BackstopMargin: -1})
	require.NoError(s.T(), err)
	_, err = ctrl.Launch(s.ctx, s.request())
	require.NoError(s.T(), err)
	assert.Zero(s.T(), s.prov.Provisioned()[0].MaxRunDuration)
}

func (s *LaunchSuite) TestLaunch_UniqueNames() {
	a, err := s.ctrl.Launch(s.ctx, s.request())
	require.NoError(s.T(), err)
	b, err := s.ctrl.Launch(s.ctx, s.request())
	require.NoError(s.T(), err)
	assert.NotEqual(s.T(), a.InstanceID, b.InstanceID)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	prov := provisiontest.NewFake()
	_, err = New(Config{Provisioner: prov, Labels: map[string]string{LabelManaged: "x"}})
	assert.Error(t, err, "managed label is reserved")

	_, err = New(Config{Provisioner: prov, Labels: map[string]string{"Budget": "LoRA"}})
	assert.Error(t, err, "labels must be lowercase")
}

// ---------------------------------------------------------------------------
// Params
// ---------------------------------------------------------------------------

type fakeAttributes map[string]string

func (f fakeAttributes) Attribute(_ context.Context, key string) (string, error) {
	v, ok := f[key]
	if !ok {
		return "", errors.New("metadata: GCE metadata \"instance/attributes/" + key + "\" not defined")
	}
	return v, nil
}

func TestParamsFromMetadata(t *testing.T) {
	p, err := ParamsFromMetadata(context.Background(), fakeAttributes{
		MetadataKey: `{"image":"img:1","output_prefix":"out/","max_runtime_seconds":3600,"self_terminate":true}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "img:1", p.Image)
	assert.Equal(t, time.Hour, p.MaxRuntime())

	_, err = ParamsFromMetadata(context.Background(), fakeAttributes{})
	assert.Error(t, err)
}

func TestParamsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"image":"img:1","output_prefix":"out/","max_runtime_seconds":60}`), 0o600))

	p, err := ParamsFromFile(path)
	require.NoError(t, err)
	assert.False(t, p.SelfTerminate)

	require.NoError(t, os.WriteFile(path, []byte(`{"image":"img:1"}`), 0o600))
	_, err = ParamsFromFile(path)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDecodeParams_Garbage(t *testing.T) {
	_, err := DecodeParams([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidParams)
}
