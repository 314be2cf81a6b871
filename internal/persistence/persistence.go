// Package persistence stores account commitments in Postgres.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diogomassis/ob-payments/internal/models"
)

var (
	ErrNotFound          = errors.New("commitment not found")
	ErrCommitmentExists  = errors.New("commitment already exists")
	ErrInvalidCommitment = errors.New("commitment and sort code are required")
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS commitments (
	commitment TEXT PRIMARY KEY,
	sort_code  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[persistence] invalid database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("[persistence] failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("[persistence] failed to reach database: %w", err)
	}
	return pool, nil
}

type CommitmentRepository struct {
	db *pgxpool.Pool
}

func NewCommitmentRepository(db *pgxpool.Pool) *CommitmentRepository {
	return &CommitmentRepository{
		db: db,
	}
}

func (r *CommitmentRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("[persistence] failed to create commitments table: %w", err)
	}
	return nil
}

func (r *CommitmentRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *CommitmentRepository) Create(ctx context.Context, c models.Commitment) (models.Commitment, error) {
	c.Commitment = strings.TrimSpace(c.Commitment)
	c.SortCode = strings.TrimSpace(c.SortCode)
	if c.Commitment == "" || c.SortCode == "" {
		return models.Commitment{}, ErrInvalidCommitment
	}

	query := `INSERT INTO commitments (commitment, sort_code) VALUES ($1, $2) RETURNING created_at`
	err := r.db.QueryRow(ctx, query, c.Commitment, c.SortCode).Scan(&c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Commitment{}, ErrCommitmentExists
		}
		return models.Commitment{}, fmt.Errorf("[persistence] failed to insert commitment: %w", err)
	}
	return c, nil
}

func (r *CommitmentRepository) GetByHash(ctx context.Context, hash string) (models.Commitment, error) {
	query := `SELECT commitment, sort_code, created_at FROM commitments WHERE commitment = $1`
	var c models.Commitment
	err := r.db.QueryRow(ctx, query, hash).Scan(&c.Commitment, &c.SortCode, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Commitment{}, ErrNotFound
	}
	if err != nil {
		return models.Commitment{}, fmt.Errorf("[persistence] failed to load commitment: %w", err)
	}
	return c, nil
}

func (r *CommitmentRepository) List(ctx context.Context) ([]models.Commitment, error) {
	rows, err := r.db.Query(ctx, `SELECT commitment, sort_code, created_at FROM commitments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("[persistence] failed to list commitments: %w", err)
	}
	commitments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Commitment, error) {
		var c models.Commitment
		err := row.Scan(&c.Commitment, &c.SortCode, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("[persistence] failed to scan commitments: %w", err)
	}
	return commitments, nil
}

// Purge deletes every commitment and returns how many were removed.
func (r *CommitmentRepository) Purge(ctx context.Context) (int64, error) {
	command, err := r.db.Exec(ctx, `DELETE FROM commitments`)
	if err != nil {
		return 0, fmt.Errorf("[persistence] failed to purge commitments: %w", err)
	}
	return command.RowsAffected(), nil
}
