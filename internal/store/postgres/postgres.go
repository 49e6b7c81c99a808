// Package postgres stores the ledger and registry in PostgreSQL so several
// operators can share one deployment history.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a pgxpool backed store.
type Store struct {
	pool *pgxpool.Pool
}

// IsURL reports whether s is a PostgreSQL connection URL.
func IsURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// Open applies pending migrations and connects a pool.
func Open(ctx context.Context, url string) (*Store, error) {
	if err := Migrate(url); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate brings the schema at url up to date.
func Migrate(url string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites the scheme for the pgx/v5 migrate driver.
func migrateURL(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return "pgx5" + url[i:]
	}
	return url
}

func (s *Store) BeginAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO inflight_attempts (network_id, step_id, attempt_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (network_id, step_id) DO NOTHING`,
			rec.NetworkID, rec.StepID, rec.AttemptID)
		if err != nil {
			return fmt.Errorf("claim attempt slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: step %s on %s", contracts.ErrAttemptInProgress, rec.StepID, rec.NetworkID)
		}
		return insertRecord(ctx, tx, rec)
	})
}

func (s *Store) FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM inflight_attempts
			WHERE network_id = $1 AND step_id = $2 AND attempt_id = $3`,
			rec.NetworkID, rec.StepID, rec.AttemptID)
		if err != nil {
			return fmt.Errorf("release attempt slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: attempt %s", contracts.ErrAttemptClosed, rec.AttemptID)
		}
		return insertRecord(ctx, tx, rec)
	})
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec contracts.LedgerRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_records (id, attempt_id, step_id, network_id, status, tx_hash, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID,
		rec.AttemptID,
		rec.StepID,
		rec.NetworkID,
		string(rec.Status),
		rec.TxHash.Hex(),
		rec.Reason,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	return nil
}

func (s *Store) LedgerRecords(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	return s.queryRecords(ctx, `
		SELECT id, attempt_id, step_id, network_id, status, tx_hash, reason, recorded_at
		FROM ledger_records
		WHERE network_id = $1
		ORDER BY seq`, networkID)
}

func (s *Store) InFlight(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	return s.queryRecords(ctx, `
		SELECT r.id, r.attempt_id, r.step_id, r.network_id, r.status, r.tx_hash, r.reason, r.recorded_at
		FROM ledger_records r
		JOIN inflight_attempts i ON i.attempt_id = r.attempt_id
		WHERE r.network_id = $1 AND r.status = 'pending'
		ORDER BY r.seq`, networkID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]contracts.LedgerRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []contracts.LedgerRecord
	for rows.Next() {
		var (
			rec            contracts.LedgerRecord
			status, txHash string
			recordedAt     time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.AttemptID, &rec.StepID, &rec.NetworkID, &status, &txHash, &rec.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		rec.Status = contracts.AttemptStatus(status)
		rec.TxHash = common.HexToHash(txHash)
		rec.RecordedAt = recordedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendTransaction(ctx context.Context, t contracts.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (attempt_id, step_id, network_id, artifact, hash, status, address, block_number, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.AttemptID,
		t.StepID,
		t.NetworkID,
		t.Artifact,
		t.Hash.Hex(),
		string(t.Status),
		t.Address.Hex(),
		int64(t.BlockNumber),
		t.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, step_id, network_id, artifact, hash, status, address, block_number, recorded_at
		FROM transactions
		WHERE network_id = $1
		ORDER BY seq`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []contracts.Transaction
	for rows.Next() {
		var (
			t                     contracts.Transaction
			hash, status, address string
			block                 int64
			recordedAt            time.Time
		)
		if err := rows.Scan(&t.AttemptID, &t.StepID, &t.NetworkID, &t.Artifact, &hash, &status, &address, &block, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Hash = common.HexToHash(hash)
		t.Status = contracts.TxStatus(status)
		t.Address = common.HexToAddress(address)
		t.BlockNumber = uint64(block)
		t.RecordedAt = recordedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO deployments (network_id, artifact, address, tx_hash, block_number, step_id, code_hash, abi, deployed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (network_id, artifact) DO NOTHING`,
			d.NetworkID, d.Artifact, d.Address.Hex(), d.TxHash.Hex(), int64(d.BlockNumber),
			d.StepID, d.CodeHash.Hex(), store.CompressABI(d.ABI), d.DeployedAt)
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var existing string
		err = tx.QueryRow(ctx, `
			SELECT address FROM deployments
			WHERE network_id = $1 AND artifact = $2
			FOR UPDATE`, d.NetworkID, d.Artifact).Scan(&existing)
		if err != nil {
			return fmt.Errorf("lookup deployment: %w", err)
		}

		if common.HexToAddress(existing) == d.Address {
			return nil
		}
		if !replace {
			return fmt.Errorf("%w: %s on %s is %s, got %s", contracts.ErrAddressConflict,
				d.Artifact, d.NetworkID, existing, d.Address.Hex())
		}

		_, err = tx.Exec(ctx, `
			UPDATE deployments
			SET address = $3, tx_hash = $4, block_number = $5, step_id = $6,
			    code_hash = $7, abi = $8, deployed_at = $9
			WHERE network_id = $1 AND artifact = $2`,
			d.NetworkID, d.Artifact, d.Address.Hex(), d.TxHash.Hex(), int64(d.BlockNumber),
			d.StepID, d.CodeHash.Hex(), store.CompressABI(d.ABI), d.DeployedAt)
		if err != nil {
			return fmt.Errorf("replace deployment: %w", err)
		}
		return nil
	})
}

const deploymentColumns = `network_id, artifact, address, tx_hash, block_number, step_id, code_hash, abi, deployed_at`

func (s *Store) GetDeployment(ctx context.Context, networkID, artifact string) (*contracts.Deployment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE network_id = $1 AND artifact = $2`, networkID, artifact)

	d, err := scanDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: deployment of %s on %s", contracts.ErrNotFound, artifact, networkID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) ListDeployments(ctx context.Context, networkID string) ([]contracts.Deployment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE network_id = $1
		ORDER BY seq`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	var out []contracts.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeployment(row pgx.Row) (*contracts.Deployment, error) {
	var (
		d                         contracts.Deployment
		address, txHash, codeHash string
		abi                       []byte
		block                     int64
		deployedAt                time.Time
	)
	if err := row.Scan(&d.NetworkID, &d.Artifact, &address, &txHash, &block, &d.StepID, &codeHash, &abi, &deployedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	decoded, err := store.DecompressABI(abi)
	if err != nil {
		return nil, err
	}
	d.Address = common.HexToAddress(address)
	d.TxHash = common.HexToHash(txHash)
	d.BlockNumber = uint64(block)
	d.CodeHash = common.HexToHash(codeHash)
	d.ABI = decoded
	d.DeployedAt = deployedAt.UTC()
	return &d, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ store.Store = (*Store)(nil)
