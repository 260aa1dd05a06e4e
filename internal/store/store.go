package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrIdentityNotFound is returned when an update targets an id that is not stored.
var ErrIdentityNotFound = errors.New("identity not found")

// Store persists the gallery in PostgreSQL with pgvector columns.
type Store struct {
	pool *pgxpool.Pool
}

// Identity is a stored gallery entry without its vectors.
type Identity struct {
	ID         string
	Name       string
	Backbone   string
	References int
	CreatedAt  time.Time
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
// Embedding columns are untyped so galleries from backbones of different widths can coexist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			seq BIGSERIAL UNIQUE,
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			backbone TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reference_embeddings (
			id BIGSERIAL PRIMARY KEY,
			identity_id UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			embedding VECTOR NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS identities_backbone_idx ON identities (backbone);
		CREATE INDEX IF NOT EXISTS reference_embeddings_identity_idx ON reference_embeddings (identity_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveReference stores one reference embedding, creating the identity row on first use.
func (s *Store) SaveReference(ctx context.Context, backbone string, entry types.GalleryEntry, emb types.Embedding) error {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		return fmt.Errorf("invalid identity id %q: %w", entry.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO identities (id, name, backbone, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, id, entry.Name, backbone, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reference_embeddings (identity_id, embedding)
		VALUES ($1, $2)
	`, id, pgvector.NewVector(emb))
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadGallery returns every identity registered with backbone, in registration order,
// with its references in insertion order.
func (s *Store) LoadGallery(ctx context.Context, backbone string) ([]types.GalleryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.name, i.created_at, e.embedding
		FROM identities i
		JOIN reference_embeddings e ON e.identity_id = i.id
		WHERE i.backbone = $1
		ORDER BY i.seq, e.id
	`, backbone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.GalleryEntry
	for rows.Next() {
		var (
			id        uuid.UUID
			name      string
			createdAt time.Time
			vec       pgvector.Vector
		)
		if err := rows.Scan(&id, &name, &createdAt, &vec); err != nil {
			return nil, err
		}
		n := len(entries)
		if n == 0 || entries[n-1].ID != id.String() {
			entries = append(entries, types.GalleryEntry{ID: id.String(), Name: name, CreatedAt: createdAt})
			n++
		}
		entries[n-1].References = append(entries[n-1].References, types.Embedding(vec.Slice()))
	}
	return entries, rows.Err()
}

// ListIdentities returns all stored identities across backbones, oldest first.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.name, i.backbone, i.created_at, COUNT(e.id)
		FROM identities i
		LEFT JOIN reference_embeddings e ON e.identity_id = i.id
		GROUP BY i.seq, i.id, i.name, i.backbone, i.created_at
		ORDER BY i.seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			id  uuid.UUID
			row Identity
		)
		if err := rows.Scan(&id, &row.Name, &row.Backbone, &row.CreatedAt, &row.References); err != nil {
			return nil, err
		}
		row.ID = id.String()
		out = append(out, row)
	}
	return out, rows.Err()
}

// RenameIdentity updates the name of a stored identity.
func (s *Store) RenameIdentity(ctx context.Context, id, newName string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid identity id %q: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", newName, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	return nil
}

// FindIdentityByName returns the oldest identity with the given name, ignoring case.
func (s *Store) FindIdentityByName(ctx context.Context, name string) (Identity, error) {
	var (
		id  uuid.UUID
		row Identity
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, backbone, created_at FROM identities
		WHERE lower(name) = lower($1)
		ORDER BY seq LIMIT 1
	`, name).Scan(&id, &row.Name, &row.Backbone, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, name)
	}
	if err != nil {
		return Identity{}, err
	}
	row.ID = id.String()
	return row, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS reference_embeddings CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}
