package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/strand-protocol/devgate/pkg/model"
)

// PostgresRegistry is a Client backed by PostgreSQL. See internal/postgres
// for the schema.
type PostgresRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRegistry wraps an open connection pool.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, now: time.Now}
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("registry: ping: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Close() error { return r.db.Close() }

func (r *PostgresRegistry) VerifyCredential(ctx context.Context, token string) (*model.Identity, error) {
	var s model.Session
	var expires sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, email, expires_at FROM sessions WHERE token_hash = $1`,
		HashToken(token),
	).Scan(&s.TokenHash, &s.UserID, &s.Email, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("registry: verify credential: %w", err)
	}
	if expires.Valid {
		s.ExpiresAt = expires.Time
	}
	if s.Expired(r.now()) {
		return nil, ErrExpiredSession
	}
	return &model.Identity{ID: s.UserID, Email: s.Email}, nil
}

const deviceColumns = `id, name, address, username, password, owner_id, active, COALESCE(token_hash, '')`

func scanDevice(row interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	if err := row.Scan(&d.ID, &d.Name, &d.Address, &d.Username, &d.Password, &d.OwnerID, &d.Active, &d.TokenHash); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRegistry) GetDeviceByID(ctx context.Context, id string) (*model.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %q: %w", id, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get device: %w", err)
	}
	return d, nil
}

func (r *PostgresRegistry) GetDeviceByCredential(ctx context.Context, token string) (*model.Device, error) {
	hash := HashToken(token)
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE token_hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get device by credential: %w", err)
	}
	if !hashEqual(d.TokenHash, hash) {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

func (r *PostgresRegistry) ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE owner_id = $1 AND active ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("registry: list devices: %w", err)
	}
	defer rows.Close()
	out := make([]model.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DevicesByIDs loads several devices in one round trip.
func (r *PostgresRegistry) DevicesByIDs(ctx context.Context, ids []string) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("registry: devices by ids: %w", err)
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) RecordAccess(ctx context.Context, rec model.AccessRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_access_logs (id, device_id, endpoint, method, success, latency_ms, accessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.DeviceID, rec.Endpoint, rec.Method, rec.Success, rec.Latency.Milliseconds(), rec.AccessedAt,
	)
	if err != nil {
		return fmt.Errorf("registry: record access: %w", err)
	}
	return nil
}

// PutDevice upserts a device. A non-empty token becomes its bearer credential.
func (r *PostgresRegistry) PutDevice(ctx context.Context, d model.Device, token string) error {
	if token != "" {
		d.TokenHash = HashToken(token)
	}
	var tokenHash sql.NullString
	if d.TokenHash != "" {
		tokenHash = sql.NullString{String: d.TokenHash, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, address, username, password, owner_id, active, token_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address,
		   username = EXCLUDED.username, password = EXCLUDED.password, owner_id = EXCLUDED.owner_id,
		   active = EXCLUDED.active, token_hash = EXCLUDED.token_hash`,
		d.ID, d.Name, d.Address, d.Username, d.Password, d.OwnerID, d.Active, tokenHash,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("registry: device token already in use: %w", err)
		}
		return fmt.Errorf("registry: put device: %w", err)
	}
	return nil
}

// PutSession upserts a caller session for token.
func (r *PostgresRegistry) PutSession(ctx context.Context, token string, s model.Session) error {
	var expires sql.NullTime
	if !s.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: s.ExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token_hash, user_id, email, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, email = EXCLUDED.email,
		   expires_at = EXCLUDED.expires_at`,
		HashToken(token), s.UserID, s.Email, expires,
	)
	if err != nil {
		return fmt.Errorf("registry: put session: %w", err)
	}
	return nil
}
