package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the personas table. Execute it via
// [PostgresRegistry.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
    tenant_id     TEXT NOT NULL,
    handle        TEXT NOT NULL,
    name          TEXT NOT NULL,
    prompt        TEXT NOT NULL DEFAULT '',
    tone          TEXT NOT NULL DEFAULT 'neutral',
    proactivity   DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    catchphrases  JSONB NOT NULL DEFAULT '[]',
    cooldown      INT NOT NULL DEFAULT 1,
    memory_window INT NOT NULL DEFAULT 8,
    api_profile   JSONB,
    api_binding   TEXT NOT NULL DEFAULT '',
    background    JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, handle)
);
CREATE INDEX IF NOT EXISTS idx_personas_tenant ON personas(tenant_id);
`

// DB is the database interface used by [PostgresRegistry]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ Registry = (*PostgresRegistry)(nil)

// PostgresRegistry is a [Registry] backed by a PostgreSQL database. Persona
// API keys are encrypted with the registry's [Cipher] before they touch the
// database and decrypted on read.
type PostgresRegistry struct {
	db     DB
	cipher *Cipher
}

// NewPostgresRegistry creates a registry over the given database connection or
// pool. The caller is responsible for calling [PostgresRegistry.Migrate] to
// ensure the schema exists before issuing queries.
func NewPostgresRegistry(db DB, cipher *Cipher) *PostgresRegistry {
	return &PostgresRegistry{db: db, cipher: cipher}
}

// Migrate executes the [Schema] DDL against the database.
func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("persona: migrate: %w", err)
	}
	return nil
}

// List implements Registry.
func (r *PostgresRegistry) List(ctx context.Context, tenantID string) ([]Persona, error) {
	const q = `
		SELECT handle, name, prompt, tone, proactivity, catchphrases,
		       cooldown, memory_window, api_profile, api_binding, background
		FROM   personas
		WHERE  tenant_id = $1
		ORDER  BY created_at, handle`

	rows, err := r.db.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("persona: list: %w", err)
	}
	personas, err := pgx.CollectRows(rows, r.scanPersona)
	if err != nil {
		return nil, fmt.Errorf("persona: list: scan: %w", err)
	}
	return personas, nil
}

// Get implements Registry.
func (r *PostgresRegistry) Get(ctx context.Context, tenantID, handle string) (*Persona, error) {
	const q = `
		SELECT handle, name, prompt, tone, proactivity, catchphrases,
		       cooldown, memory_window, api_profile, api_binding, background
		FROM   personas
		WHERE  tenant_id = $1 AND handle = $2`

	rows, err := r.db.Query(ctx, q, tenantID, handle)
	if err != nil {
		return nil, fmt.Errorf("persona: get: %w", err)
	}
	p, err := pgx.CollectOneRow(rows, r.scanPersona)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("persona: get %q: %w", handle, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("persona: get: scan: %w", err)
	}
	return &p, nil
}

// Upsert inserts or replaces a persona for the tenant. The persona is
// normalised first and its API key encrypted before storage.
func (r *PostgresRegistry) Upsert(ctx context.Context, tenantID string, p Persona) error {
	p.Normalize()

	catchJSON, err := json.Marshal(p.Catchphrases)
	if err != nil {
		return fmt.Errorf("persona: marshal catchphrases: %w", err)
	}

	var apiJSON []byte
	if p.API != nil {
		stored := *p.API
		stored.APIKey, err = r.cipher.Encrypt(stored.APIKey)
		if err != nil {
			return err
		}
		if apiJSON, err = json.Marshal(stored); err != nil {
			return fmt.Errorf("persona: marshal api profile: %w", err)
		}
	}

	var bgJSON []byte
	if p.Background != nil {
		if bgJSON, err = json.Marshal(p.Background); err != nil {
			return fmt.Errorf("persona: marshal background: %w", err)
		}
	}

	const q = `
		INSERT INTO personas
		    (tenant_id, handle, name, prompt, tone, proactivity, catchphrases,
		     cooldown, memory_window, api_profile, api_binding, background)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, handle) DO UPDATE
		SET name = EXCLUDED.name,
		    prompt = EXCLUDED.prompt,
		    tone = EXCLUDED.tone,
		    proactivity = EXCLUDED.proactivity,
		    catchphrases = EXCLUDED.catchphrases,
		    cooldown = EXCLUDED.cooldown,
		    memory_window = EXCLUDED.memory_window,
		    api_profile = EXCLUDED.api_profile,
		    api_binding = EXCLUDED.api_binding,
		    background = EXCLUDED.background,
		    updated_at = now()`

	_, err = r.db.Exec(ctx, q,
		tenantID, p.Handle, p.Name, p.Prompt, p.Tone, p.Proactivity, catchJSON,
		p.Cooldown, p.MemoryWindow, apiJSON, p.APIBinding, bgJSON)
	if err != nil {
		return fmt.Errorf("persona: upsert %q: %w", p.Handle, err)
	}
	return nil
}

// Delete removes a persona. Returns ErrNotFound if it does not exist.
func (r *PostgresRegistry) Delete(ctx context.Context, tenantID, handle string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM personas WHERE tenant_id = $1 AND handle = $2`, tenantID, handle)
	if err != nil {
		return fmt.Errorf("persona: delete %q: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persona: delete %q: %w", handle, ErrNotFound)
	}
	return nil
}

// scanPersona scans one personas row, decoding JSONB sub-fields and
// decrypting the stored API key.
func (r *PostgresRegistry) scanPersona(row pgx.CollectableRow) (Persona, error) {
	var (
		p         Persona
		catchJSON []byte
		apiJSON   []byte
		bgJSON    []byte
	)
	err := row.Scan(&p.Handle, &p.Name, &p.Prompt, &p.Tone, &p.Proactivity, &catchJSON,
		&p.Cooldown, &p.MemoryWindow, &apiJSON, &p.APIBinding, &bgJSON)
	if err != nil {
		return p, err
	}

	if len(catchJSON) > 0 {
		if err := json.Unmarshal(catchJSON, &p.Catchphrases); err != nil {
			return p, fmt.Errorf("unmarshal catchphrases: %w", err)
		}
	}
	if len(apiJSON) > 0 {
		var profile APIProfile
		if err := json.Unmarshal(apiJSON, &profile); err != nil {
			return p, fmt.Errorf("unmarshal api profile: %w", err)
		}
		if profile.APIKey, err = r.cipher.Decrypt(profile.APIKey); err != nil {
			return p, err
		}
		p.API = &profile
	}
	if len(bgJSON) > 0 {
		var bg Background
		if err := json.Unmarshal(bgJSON, &bg); err != nil {
			return p, fmt.Errorf("unmarshal background: %w", err)
		}
		p.Background = &bg
	}

	p.Normalize()
	return p, nil
}
