package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/devgate/internal/postgres"
	"github.com/strand-protocol/devgate/pkg/model"
)

// writer abstracts the backend-specific mutators used to seed each registry.
type writer struct {
	putDevice  func(d model.Device, token string) error
	putSession func(token string, s model.Session) error
}

// testClient exercises the Client contract against any backend.
func testClient(t *testing.T, c Client, w writer) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	owner := "owner-" + suffix

	sessionToken := "sess-" + suffix
	require.NoError(t, w.putSession(sessionToken, model.Session{
		UserID: owner, Email: "ops@example.com", ExpiresAt: time.Now().Add(time.Hour),
	}))
	id, err := c.VerifyCredential(ctx, sessionToken)
	require.NoError(t, err)
	assert.Equal(t, owner, id.ID)
	assert.Equal(t, "ops@example.com", id.Email)

	_, err = c.VerifyCredential(ctx, "nope-"+suffix)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	dev := model.Device{
		ID: "dev-" + suffix, Name: "core-router", Address: "10.0.0.1",
		Username: "admin", Password: "secret", OwnerID: owner, Active: true,
	}
	require.NoError(t, w.putDevice(dev, "devtok-"+suffix))
	require.NoError(t, w.putDevice(model.Device{ID: "off-" + suffix, Name: "spare", Address: "10.0.0.2", OwnerID: owner}, ""))

	got, err := c.GetDeviceByID(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Password)
	assert.Equal(t, HashToken("devtok-"+suffix), got.TokenHash)

	_, err = c.GetDeviceByID(ctx, "missing-"+suffix)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	byTok, err := c.GetDeviceByCredential(ctx, "devtok-"+suffix)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, byTok.ID)

	_, err = c.GetDeviceByCredential(ctx, "bad-"+suffix)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	list, err := c.ListDevicesByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1, "inactive devices are not listed")
	assert.Equal(t, dev.ID, list[0].ID)

	require.NoError(t, c.RecordAccess(ctx, model.AccessRecord{
		DeviceID: dev.ID, Endpoint: "/system/resource", Method: "GET",
		Success: true, Latency: 12 * time.Millisecond, AccessedAt: time.Now(),
	}))
	require.NoError(t, c.Ping(ctx))
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

func TestMemoryRegistry(t *testing.T) {
	m := NewMemoryRegistry(nil)
	testClient(t, m, writer{
		putDevice:  func(d model.Device, tok string) error { m.PutDevice(d, tok); return nil },
		putSession: func(tok string, s model.Session) error { m.PutSession(tok, s); return nil },
	})
	require.Len(t, m.Accesses(), 1)
	assert.Equal(t, "/system/resource", m.Accesses()[0].Endpoint)
}

func TestMemoryRegistry_ExpiredSession(t *testing.T) {
	mc := clock.NewMock()
	mc.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemoryRegistry(mc)
	m.PutSession("tok", model.Session{UserID: "u1", ExpiresAt: mc.Now().Add(time.Minute)})

	_, err := m.VerifyCredential(context.Background(), "tok")
	require.NoError(t, err)

	mc.Add(time.Minute)
	_, err = m.VerifyCredential(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrExpiredSession)
}

func TestMemoryRegistry_TokenRotation(t *testing.T) {
	m := NewMemoryRegistry(nil)
	ctx := context.Background()
	m.PutDevice(model.Device{ID: "d1", Address: "10.0.0.1", Active: true}, "old")
	m.PutDevice(model.Device{ID: "d1", Address: "10.0.0.1", Active: true}, "new")

	_, err := m.GetDeviceByCredential(ctx, "old")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	d, err := m.GetDeviceByCredential(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
}

func TestMemoryRegistry_AccessLogIsBounded(t *testing.T) {
	m := NewMemoryRegistry(nil)
	for i := 0; i < maxMemoryAccessRecords+5; i++ {
		require.NoError(t, m.RecordAccess(context.Background(), model.AccessRecord{Endpoint: "/e"}))
	}
	assert.Len(t, m.Accesses(), maxMemoryAccessRecords)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sessions:
  - token: dev-session
    user_id: user-1
    email: ops@example.com
devices:
  - id: r1
    name: edge
    address: 192.168.88.1
    username: admin
    password: pw
    owner_id: user-1
    active: true
    token: r1-token
`), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	m := NewMemoryRegistry(nil)
	seed.Apply(m)

	id, err := m.VerifyCredential(context.Background(), "dev-session")
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)

	d, err := m.GetDeviceByCredential(context.Background(), "r1-token")
	require.NoError(t, err)
	assert.Equal(t, "edge", d.Name)
	assert.Equal(t, "pw", d.Password)
}

// ---------------------------------------------------------------------------
// Session provider
// ---------------------------------------------------------------------------

func TestSessionProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/whoami", r.URL.Path)
		switch r.Header.Get("X-Session-Token") {
		case "good":
			json.NewEncoder(w).Encode(map[string]any{
				"id": "s1", "active": true,
				"identity":   map[string]any{"id": "user-7", "traits": map[string]any{"email": "a@b.c"}},
				"expires_at": time.Now().Add(time.Hour),
			})
		case "stale":
			json.NewEncoder(w).Encode(map[string]any{"id": "s2", "active": false})
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	p := NewSessionProvider(srv.URL + "/")
	ctx := context.Background()

	id, err := p.VerifyCredential(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, &model.Identity{ID: "user-7", Email: "a@b.c"}, id)

	_, err = p.VerifyCredential(ctx, "stale")
	assert.ErrorIs(t, err, ErrExpiredSession)

	_, err = p.VerifyCredential(ctx, "other")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = p.VerifyCredential(ctx, "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
}

func TestWithIdentityProvider(t *testing.T) {
	m := NewMemoryRegistry(nil)
	m.PutDevice(model.Device{ID: "d1", Address: "10.0.0.1", Active: true}, "")
	c := WithIdentityProvider(m, providerFunc(func(context.Context, string) (*model.Identity, error) {
		return &model.Identity{ID: "ext"}, nil
	}))

	id, err := c.VerifyCredential(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "ext", id.ID)

	_, err = c.GetDeviceByID(context.Background(), "d1")
	assert.NoError(t, err)

	assert.Same(t, Client(m), WithIdentityProvider(m, nil))
}

type providerFunc func(context.Context, string) (*model.Identity, error)

func (f providerFunc) VerifyCredential(ctx context.Context, tok string) (*model.Identity, error) {
	return f(ctx, tok)
}

// ---------------------------------------------------------------------------
// Integration backends
// ---------------------------------------------------------------------------

// TestEtcdRegistry requires a running etcd cluster:
//
//	DEVGATE_TEST_ETCD=http://localhost:2379 go test ./pkg/registry/...
func TestEtcdRegistry(t *testing.T) {
	addr := os.Getenv("DEVGATE_TEST_ETCD")
	if addr == "" {
		t.Skip("set DEVGATE_TEST_ETCD=http://localhost:2379 to run etcd integration tests")
	}
	r, err := NewEtcdRegistry(strings.Split(addr, ","))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	testClient(t, r, writer{
		putDevice:  func(d model.Device, tok string) error { return r.PutDevice(ctx, d, tok) },
		putSession: func(tok string, s model.Session) error { return r.PutSession(ctx, tok, s) },
	})
}

// TestPostgresRegistry requires a reachable database:
//
//	DEVGATE_TEST_POSTGRES=postgres://localhost/devgate?sslmode=disable go test ./pkg/registry/...
func TestPostgresRegistry(t *testing.T) {
	dsn := os.Getenv("DEVGATE_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("set DEVGATE_TEST_POSTGRES to run postgres integration tests")
	}
	db, err := postgres.New(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	r := NewPostgresRegistry(db.Pool())
	defer r.Close()
	testClient(t, r, writer{
		putDevice:  func(d model.Device, tok string) error { return r.PutDevice(ctx, d, tok) },
		putSession: func(tok string, s model.Session) error { return r.PutSession(ctx, tok, s) },
	})

	got, err := r.DevicesByIDs(ctx, []string{"missing"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
