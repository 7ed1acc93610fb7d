package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chkmate/server/internal/config"
	"github.com/chkmate/server/internal/domain"
)

// Repository provides PostgreSQL-based data access for the escrow ledger
// and the finished-match archive
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS matches (
			id VARCHAR(64) PRIMARY KEY,
			short_code VARCHAR(8) NOT NULL,
			stake_wei BIGINT NOT NULL,
			creator_address VARCHAR(64) NOT NULL,
			opponent_address VARCHAR(64),
			winner_address VARCHAR(64),
			board_position TEXT NOT NULL,
			end_reason VARCHAR(20),
			duration_seconds BIGINT DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS escrow_entries (
			id BIGSERIAL PRIMARY KEY,
			match_id VARCHAR(64) NOT NULL,
			address VARCHAR(64) NOT NULL,
			amount_wei BIGINT NOT NULL,
			entry_type VARCHAR(10) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_retries (
			id BIGSERIAL PRIMARY KEY,
			match_id VARCHAR(64) NOT NULL,
			address VARCHAR(64) NOT NULL,
			amount_wei BIGINT NOT NULL,
			entry_type VARCHAR(10) NOT NULL,
			attempts INT DEFAULT 0,
			last_error TEXT,
			settled BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_entries_match ON escrow_entries(match_id)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_entries_address ON escrow_entries(address, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_settlement_retries_pending ON settlement_retries(settled, created_at)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// ArchiveMatch stores the durable record of a finished match
func (r *Repository) ArchiveMatch(ctx context.Context, m *domain.Match) error {
	query := `
		INSERT INTO matches (id, short_code, stake_wei, creator_address, opponent_address,
			winner_address, board_position, end_reason, duration_seconds, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			winner_address = EXCLUDED.winner_address,
			board_position = EXCLUDED.board_position,
			end_reason = EXCLUDED.end_reason,
			duration_seconds = EXCLUDED.duration_seconds,
			ended_at = EXCLUDED.ended_at
	`
	_, err := r.pool.Exec(ctx, query,
		m.ID,
		m.ShortCode,
		m.StakeWei,
		m.CreatorAddress,
		m.OpponentAddress,
		m.WinnerAddress,
		m.BoardPosition,
		string(m.EndReason),
		m.MatchDurationSeconds,
		m.CreatedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("archiving match: %w", err)
	}
	return nil
}

// RecordEntry appends one movement to the escrow ledger
func (r *Repository) RecordEntry(ctx context.Context, e domain.EscrowEntry) error {
	query := `
		INSERT INTO escrow_entries (match_id, address, amount_wei, entry_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query, e.MatchID, e.Address, e.AmountWei, string(e.Type), time.Now())
	if err != nil {
		return fmt.Errorf("recording escrow entry: %w", err)
	}
	return nil
}

// HasDisbursement reports whether the match already paid out or refunded
// the address. Used to keep settlement idempotent across retries.
func (r *Repository) HasDisbursement(ctx context.Context, matchID, address string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM escrow_entries
		WHERE match_id = $1 AND LOWER(address) = LOWER($2) AND entry_type IN ('pay_out', 'refund')
	`
	var count int64
	if err := r.pool.QueryRow(ctx, query, matchID, address).Scan(&count); err != nil {
		return false, fmt.Errorf("checking disbursement: %w", err)
	}
	return count > 0, nil
}

// EscrowBalance returns the wei still held for a match: pay-ins minus
// pay-outs and refunds
func (r *Repository) EscrowBalance(ctx context.Context, matchID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'pay_in' THEN amount_wei ELSE -amount_wei END), 0)
		FROM escrow_entries
		WHERE match_id = $1
	`
	var balance int64
	if err := r.pool.QueryRow(ctx, query, matchID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("computing escrow balance: %w", err)
	}
	return balance, nil
}

// RecordRetry queues a failed disbursement for replay and returns its id
func (r *Repository) RecordRetry(ctx context.Context, retry domain.SettlementRetry) (int64, error) {
	query := `
		INSERT INTO settlement_retries (match_id, address, amount_wei, entry_type, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, query,
		retry.MatchID,
		retry.Address,
		retry.AmountWei,
		string(retry.Type),
		retry.Attempts,
		retry.LastError,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("recording settlement retry: %w", err)
	}
	return id, nil
}

// MarkRetrySettled closes a retry after a successful replay
func (r *Repository) MarkRetrySettled(ctx context.Context, id int64) error {
	query := `UPDATE settlement_retries SET settled = TRUE, updated_at = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id, time.Now()); err != nil {
		return fmt.Errorf("marking retry settled: %w", err)
	}
	return nil
}

// BumpRetry records another failed replay attempt
func (r *Repository) BumpRetry(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE settlement_retries
		SET attempts = attempts + 1, last_error = $2, updated_at = $3
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, lastError, time.Now()); err != nil {
		return fmt.Errorf("bumping retry: %w", err)
	}
	return nil
}

// ListPendingRetries returns unsettled retries, oldest first
func (r *Repository) ListPendingRetries(ctx context.Context, limit int) ([]domain.SettlementRetry, error) {
	query := `
		SELECT id, match_id, address, amount_wei, entry_type, attempts,
			COALESCE(last_error, ''), settled, created_at, updated_at
		FROM settlement_retries
		WHERE settled = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending retries: %w", err)
	}
	defer rows.Close()

	var retries []domain.SettlementRetry
	for rows.Next() {
		var retry domain.SettlementRetry
		var entryType string
		err := rows.Scan(
			&retry.ID,
			&retry.MatchID,
			&retry.Address,
			&retry.AmountWei,
			&entryType,
			&retry.Attempts,
			&retry.LastError,
			&retry.Settled,
			&retry.CreatedAt,
			&retry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning retry: %w", err)
		}
		retry.Type = domain.EntryType(entryType)
		retries = append(retries, retry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retries: %w", err)
	}
	return retries, nil
}
