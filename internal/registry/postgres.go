package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vizlab/slotbox/internal/slot"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// PostgresStore persists definitions in a PostgreSQL table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and ensures the slots table.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS slots (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			description   TEXT NOT NULL DEFAULT '',
			code          TEXT NOT NULL,
			output_schema JSONB,
			timeout_ms    INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create slots table: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS slots_created_at_idx ON slots (created_at DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create slots index: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

func marshalSchema(schema *slot.Schema) ([]byte, error) {
	if schema == nil {
		return nil, nil
	}
	return json.Marshal(schema)
}

// Create inserts a new definition.
func (s *PostgresStore) Create(ctx context.Context, def *Definition) error {
	schemaJSON, err := marshalSchema(def.OutputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal output schema: %w", err)
	}

	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slots (id, name, description, code, output_schema, timeout_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		def.ID, def.Name, def.Description, def.Code,
		schemaJSON, def.TimeoutMs, def.CreatedAt, def.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	return err
}

// Update replaces an existing definition's mutable fields.
func (s *PostgresStore) Update(ctx context.Context, def *Definition) error {
	schemaJSON, err := marshalSchema(def.OutputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal output schema: %w", err)
	}

	def.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE slots
		SET name = $2, description = $3, code = $4, output_schema = $5,
		    timeout_ms = $6, updated_at = $7
		WHERE id = $1
	`,
		def.ID, def.Name, def.Description, def.Code,
		schemaJSON, def.TimeoutMs, def.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanDefinition(row *sql.Row) (*Definition, error) {
	var def Definition
	var schemaJSON []byte
	err := row.Scan(&def.ID, &def.Name, &def.Description, &def.Code,
		&schemaJSON, &def.TimeoutMs, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(schemaJSON) > 0 {
		def.OutputSchema = &slot.Schema{}
		if err := json.Unmarshal(schemaJSON, def.OutputSchema); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output schema: %w", err)
		}
	}
	return &def, nil
}

// Get retrieves a definition by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, code, output_schema, timeout_ms, created_at, updated_at
		FROM slots WHERE id = $1
	`, id)
	return s.scanDefinition(row)
}

// GetByName retrieves a definition by name.
func (s *PostgresStore) GetByName(ctx context.Context, name string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, code, output_schema, timeout_ms, created_at, updated_at
		FROM slots WHERE name = $1
	`, name)
	return s.scanDefinition(row)
}

// List returns definitions sorted by creation time, newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Definition, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, code, output_schema, timeout_ms, created_at, updated_at
		FROM slots
		WHERE ($1 = '' OR name = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, filter.Name, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := []Definition{}
	for rows.Next() {
		var def Definition
		var schemaJSON []byte
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &def.Code,
			&schemaJSON, &def.TimeoutMs, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		if len(schemaJSON) > 0 {
			def.OutputSchema = &slot.Schema{}
			if err := json.Unmarshal(schemaJSON, def.OutputSchema); err != nil {
				return nil, fmt.Errorf("failed to unmarshal output schema: %w", err)
			}
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Delete removes a definition.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close(context.Context) error {
	return s.db.Close()
}
