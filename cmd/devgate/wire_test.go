package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/strand-protocol/devgate/pkg/apiserver"
	"github.com/strand-protocol/devgate/pkg/config"
	"github.com/strand-protocol/devgate/pkg/forwarder"
	"github.com/strand-protocol/devgate/pkg/model"
	"github.com/strand-protocol/devgate/pkg/outcome"
	"github.com/strand-protocol/devgate/pkg/registry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	return cfg
}

func TestModule_Validates(t *testing.T) {
	require.NoError(t, fx.ValidateApp(Module(testConfig())))
}

func TestModule_StartStop(t *testing.T) {
	var srv *apiserver.Server
	app := fxtest.New(t, Module(testConfig()), fx.Populate(&srv))
	app.RequireStart()
	require.NotNil(t, srv)
	app.RequireStop()
}

func TestModule_PrometheusDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Prometheus = false
	app := fxtest.New(t, Module(cfg))
	app.RequireStart().RequireStop()
}

func TestNewRegistry_Seed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sessions:
  - token: sess-alice
    user_id: alice
devices:
  - id: r1
    name: edge
    address: 10.0.0.1
    owner_id: alice
    active: true
    token: dev-r1
`), 0o600))

	cfg := testConfig()
	cfg.Registry.SeedFile = path
	reg, err := newRegistry(cfg, zap.NewNop(), clock.New())
	require.NoError(t, err)
	defer reg.Close()

	id, err := reg.VerifyCredential(context.Background(), "sess-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)

	d, err := reg.GetDeviceByCredential(context.Background(), "dev-r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", d.ID)
}

func TestNewRegistry_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := newRegistry(cfg, zap.NewNop(), clock.New())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Registry.Backend = "redis"
	_, err = newRegistry(cfg, zap.NewNop(), clock.New())
	assert.ErrorContains(t, err, "unsupported registry backend")
}

func TestNewRegistry_IdentityProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.IdentityURL = "http://identity.internal"
	reg, err := newRegistry(cfg, zap.NewNop(), clock.New())
	require.NoError(t, err)
	_, isMemory := reg.(*registry.MemoryRegistry)
	assert.False(t, isMemory, "session verification is delegated")
}

func TestNewLimiters_ZeroDisables(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.IP.Max = 0
	l := newLimiters(cfg, clock.New())
	assert.NotNil(t, l.User)
	assert.NotNil(t, l.Device)
	assert.Nil(t, l.IP)
}

func TestNewForwarder_ResponseCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"name":"ether1"},{"name":"ether2"}]`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Forwarder.MaxResponseBytes = 16
	clk := clock.New()
	f := newForwarder(cfg, newBreaker(cfg, clk), clk, zap.NewNop())

	res := f.Forward(context.Background(), forwarder.Call{
		Device: &model.Device{ID: "r1", Address: strings.TrimPrefix(srv.URL, "http://")},
		Method: http.MethodGet,
	})
	assert.False(t, res.Success)
	assert.Equal(t, outcome.CodeResponseTooLarge, res.Code)
}
