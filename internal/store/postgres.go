package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dfarias/inspectflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Companies ---

func (s *PostgresStore) GetDefaultCompany(ctx context.Context) (*models.Company, error) {
	var c models.Company
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_active, created_at FROM companies WHERE name = 'default' LIMIT 1`,
	).Scan(&c.ID, &c.Name, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default company: %w", err)
	}
	return &c, nil
}

// --- API Keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, company_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.CompanyID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, company_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.CompanyID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- App config (checkpoint rows) ---

func (s *PostgresStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM app_config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

// --- Establishments ---

const establishmentCols = `id, company_id, name, normalized_name, drive_folder_id, created_at`

func scanEstablishment(row pgx.Row) (*models.Establishment, error) {
	var e models.Establishment
	err := row.Scan(&e.ID, &e.CompanyID, &e.Name, &e.NormalizedName, &e.DriveFolderID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEstablishment(ctx context.Context, est *models.Establishment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO establishments (id, company_id, name, normalized_name, drive_folder_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		est.ID, est.CompanyID, est.Name, est.NormalizedName, est.DriveFolderID, est.CreatedAt)
	if err != nil {
		return fmt.Errorf("create establishment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEstablishment(ctx context.Context, id uuid.UUID) (*models.Establishment, error) {
	e, err := scanEstablishment(s.pool.QueryRow(ctx,
		`SELECT `+establishmentCols+` FROM establishments WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get establishment: %w", err)
	}
	return e, err
}

func (s *PostgresStore) ListEstablishments(ctx context.Context) ([]*models.Establishment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+establishmentCols+` FROM establishments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list establishments: %w", err)
	}
	defer rows.Close()

	var ests []*models.Establishment
	for rows.Next() {
		var e models.Establishment
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.Name, &e.NormalizedName, &e.DriveFolderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan establishment: %w", err)
		}
		ests = append(ests, &e)
	}
	return ests, rows.Err()
}

func (s *PostgresStore) GetEstablishmentByFolder(ctx context.Context, folderID string) (*models.Establishment, error) {
	e, err := scanEstablishment(s.pool.QueryRow(ctx,
		`SELECT `+establishmentCols+` FROM establishments WHERE drive_folder_id = $1 LIMIT 1`, folderID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get establishment by folder: %w", err)
	}
	return e, err
}

func (s *PostgresStore) GetEstablishmentByNormalizedName(ctx context.Context, normalized string) (*models.Establishment, error) {
	e, err := scanEstablishment(s.pool.QueryRow(ctx,
		`SELECT `+establishmentCols+` FROM establishments WHERE normalized_name = $1 LIMIT 1`, normalized))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get establishment by name: %w", err)
	}
	return e, err
}

// isDuplicateKeyError reports whether err is a Postgres unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
