package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"

	"github.com/strand-protocol/devgate/pkg/model"
)

// maxMemoryAccessRecords caps the in-memory access log.
const maxMemoryAccessRecords = 1000

// MemoryRegistry is an in-memory Client backed by maps and a read/write
// mutex. Suitable for development, testing, and single-node deployments.
type MemoryRegistry struct {
	clock clock.Clock

	mu       sync.RWMutex
	devices  map[string]model.Device
	tokenIdx map[string]string // token hash -> device id
	sessions map[string]model.Session
	access   []model.AccessRecord
}

// NewMemoryRegistry returns an empty registry. A nil clock uses wall time.
func NewMemoryRegistry(c clock.Clock) *MemoryRegistry {
	if c == nil {
		c = clock.New()
	}
	return &MemoryRegistry{
		clock:    c,
		devices:  make(map[string]model.Device),
		tokenIdx: make(map[string]string),
		sessions: make(map[string]model.Session),
	}
}

// PutDevice creates or replaces a device. A non-empty token becomes the
// device's bearer credential.
func (m *MemoryRegistry) PutDevice(d model.Device, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.devices[d.ID]; ok && old.TokenHash != "" {
		delete(m.tokenIdx, old.TokenHash)
	}
	if token != "" {
		d.TokenHash = HashToken(token)
	}
	if d.TokenHash != "" {
		m.tokenIdx[d.TokenHash] = d.ID
	}
	m.devices[d.ID] = d
}

// PutSession stores a caller session for token.
func (m *MemoryRegistry) PutSession(token string, s model.Session) {
	s.TokenHash = HashToken(token)
	m.mu.Lock()
	m.sessions[s.TokenHash] = s
	m.mu.Unlock()
}

// Accesses returns a copy of the recorded access log, oldest first.
func (m *MemoryRegistry) Accesses() []model.AccessRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AccessRecord, len(m.access))
	copy(out, m.access)
	return out
}

func (m *MemoryRegistry) VerifyCredential(_ context.Context, token string) (*model.Identity, error) {
	m.mu.RLock()
	s, ok := m.sessions[HashToken(token)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredential
	}
	if s.Expired(m.clock.Now()) {
		return nil, ErrExpiredSession
	}
	return &model.Identity{ID: s.UserID, Email: s.Email}, nil
}

func (m *MemoryRegistry) GetDeviceByID(_ context.Context, id string) (*model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", id, ErrDeviceNotFound)
	}
	return &d, nil
}

func (m *MemoryRegistry) GetDeviceByCredential(_ context.Context, token string) (*model.Device, error) {
	hash := HashToken(token)
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokenIdx[hash]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	d, ok := m.devices[id]
	if !ok || !hashEqual(d.TokenHash, hash) {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

func (m *MemoryRegistry) ListDevicesByOwner(_ context.Context, ownerID string) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Device, 0)
	for _, d := range m.devices {
		if d.OwnerID == ownerID && d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRegistry) RecordAccess(_ context.Context, rec model.AccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.access) >= maxMemoryAccessRecords {
		m.access = append(m.access[:0], m.access[1:]...)
	}
	m.access = append(m.access, rec)
	return nil
}

func (m *MemoryRegistry) Ping(context.Context) error { return nil }

func (m *MemoryRegistry) Close() error { return nil }

// ---------------------------------------------------------------------------
// Seed file
// ---------------------------------------------------------------------------

// Seed is the YAML shape used to populate a registry for development.
type Seed struct {
	Sessions []SeedSession `yaml:"sessions"`
	Devices  []SeedDevice  `yaml:"devices"`
}

// SeedSession is a caller session with its plaintext token.
type SeedSession struct {
	Token     string    `yaml:"token"`
	UserID    string    `yaml:"user_id"`
	Email     string    `yaml:"email"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// SeedDevice is a device with an optional plaintext bearer token.
type SeedDevice struct {
	model.Device `yaml:",inline"`
	Token        string `yaml:"token"`
}

// LoadSeed reads a seed file from path.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &s, nil
}

// Apply loads every session and device of s into m.
func (s *Seed) Apply(m *MemoryRegistry) {
	for _, ss := range s.Sessions {
		m.PutSession(ss.Token, model.Session{UserID: ss.UserID, Email: ss.Email, ExpiresAt: ss.ExpiresAt})
	}
	for _, sd := range s.Devices {
		m.PutDevice(sd.Device, sd.Token)
	}
}
