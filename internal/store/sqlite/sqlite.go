// Package sqlite stores the ledger and registry in SQLite, either a local file
// (modernc.org/sqlite) or a remote libsql/Turso database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_records (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT    NOT NULL UNIQUE,
		attempt_id  TEXT    NOT NULL,
		step_id     TEXT    NOT NULL,
		network_id  TEXT    NOT NULL,
		status      TEXT    NOT NULL,
		tx_hash     TEXT    NOT NULL,
		reason      TEXT    NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_records_network ON ledger_records (network_id, seq)`,
	`CREATE TABLE IF NOT EXISTS inflight_attempts (
		network_id TEXT NOT NULL,
		step_id    TEXT NOT NULL,
		attempt_id TEXT NOT NULL,
		PRIMARY KEY (network_id, step_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id   TEXT    NOT NULL,
		step_id      TEXT    NOT NULL,
		network_id   TEXT    NOT NULL,
		artifact     TEXT    NOT NULL,
		hash         TEXT    NOT NULL,
		status       TEXT    NOT NULL,
		address      TEXT    NOT NULL,
		block_number INTEGER NOT NULL,
		recorded_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_network ON transactions (network_id, seq)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		network_id   TEXT    NOT NULL,
		artifact     TEXT    NOT NULL,
		address      TEXT    NOT NULL,
		tx_hash      TEXT    NOT NULL,
		block_number INTEGER NOT NULL,
		step_id      TEXT    NOT NULL,
		code_hash    TEXT    NOT NULL,
		abi          BLOB,
		deployed_at  INTEGER NOT NULL,
		UNIQUE (network_id, artifact)
	)`,
}

// Store is a database/sql backed store.
type Store struct {
	db *sql.DB
}

// IsURL reports whether s names a SQLite or libsql database.
func IsURL(s string) bool {
	lower := strings.ToLower(s)
	switch {
	case lower == ":memory:",
		strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "libsql://"):
		return true
	}
	return strings.HasSuffix(lower, ".db") ||
		strings.HasSuffix(lower, ".sqlite") ||
		strings.HasSuffix(lower, ".sqlite3")
}

// Open connects to the database named by url and creates the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	driver, dsn, err := dataSource(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer per process; other processes wait on busy_timeout.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func dataSource(url string) (driver, dsn string, err error) {
	if strings.HasPrefix(strings.ToLower(url), "libsql://") {
		return "libsql", url, nil
	}
	if url == ":memory:" {
		return "sqlite", "file::memory:?_pragma=foreign_keys(1)", nil
	}

	path := url
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "", "", fmt.Errorf("%w: empty sqlite path in %q", contracts.ErrConfiguration, url)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create database directory: %w", err)
		}
	}

	return "sqlite", "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", nil
}

func (s *Store) BeginAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO inflight_attempts (network_id, step_id, attempt_id)
			VALUES (?, ?, ?)
			ON CONFLICT (network_id, step_id) DO NOTHING`,
			rec.NetworkID, rec.StepID, rec.AttemptID.String())
		if err != nil {
			return fmt.Errorf("claim attempt slot: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: step %s on %s", contracts.ErrAttemptInProgress, rec.StepID, rec.NetworkID)
		}
		return insertRecord(ctx, tx, rec)
	})
}

func (s *Store) FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM inflight_attempts
			WHERE network_id = ? AND step_id = ? AND attempt_id = ?`,
			rec.NetworkID, rec.StepID, rec.AttemptID.String())
		if err != nil {
			return fmt.Errorf("release attempt slot: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: attempt %s", contracts.ErrAttemptClosed, rec.AttemptID)
		}
		return insertRecord(ctx, tx, rec)
	})
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec contracts.LedgerRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_records (id, attempt_id, step_id, network_id, status, tx_hash, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AttemptID.String(),
		rec.StepID,
		rec.NetworkID,
		string(rec.Status),
		rec.TxHash.Hex(),
		rec.Reason,
		rec.RecordedAt.UnixNano(),
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
		WHERE network_id = ?
		ORDER BY seq`, networkID)
}

func (s *Store) InFlight(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	return s.queryRecords(ctx, `
		SELECT r.id, r.attempt_id, r.step_id, r.network_id, r.status, r.tx_hash, r.reason, r.recorded_at
		FROM ledger_records r
		JOIN inflight_attempts i ON i.attempt_id = r.attempt_id
		WHERE r.network_id = ? AND r.status = 'pending'
		ORDER BY r.seq`, networkID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]contracts.LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []contracts.LedgerRecord
	for rows.Next() {
		var (
			rec              contracts.LedgerRecord
			attemptID        string
			status, txHash   string
			recordedAtUnixNs int64
		)
		if err := rows.Scan(&rec.ID, &attemptID, &rec.StepID, &rec.NetworkID, &status, &txHash, &rec.Reason, &recordedAtUnixNs); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		if rec.AttemptID, err = uuid.Parse(attemptID); err != nil {
			return nil, fmt.Errorf("parse attempt id: %w", err)
		}
		rec.Status = contracts.AttemptStatus(status)
		rec.TxHash = common.HexToHash(txHash)
		rec.RecordedAt = time.Unix(0, recordedAtUnixNs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendTransaction(ctx context.Context, t contracts.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (attempt_id, step_id, network_id, artifact, hash, status, address, block_number, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AttemptID.String(),
		t.StepID,
		t.NetworkID,
		t.Artifact,
		t.Hash.Hex(),
		string(t.Status),
		t.Address.Hex(),
		int64(t.BlockNumber),
		t.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, step_id, network_id, artifact, hash, status, address, block_number, recorded_at
		FROM transactions
		WHERE network_id = ?
		ORDER BY seq`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []contracts.Transaction
	for rows.Next() {
		var (
			t                       contracts.Transaction
			attemptID, hash, status string
			address                 string
			block, recordedAt       int64
		)
		if err := rows.Scan(&attemptID, &t.StepID, &t.NetworkID, &t.Artifact, &hash, &status, &address, &block, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t.AttemptID, err = uuid.Parse(attemptID); err != nil {
			return nil, fmt.Errorf("parse attempt id: %w", err)
		}
		t.Hash = common.HexToHash(hash)
		t.Status = contracts.TxStatus(status)
		t.Address = common.HexToAddress(address)
		t.BlockNumber = uint64(block)
		t.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT address FROM deployments WHERE network_id = ? AND artifact = ?`,
			d.NetworkID, d.Artifact).Scan(&existing)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO deployments (network_id, artifact, address, tx_hash, block_number, step_id, code_hash, abi, deployed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.NetworkID, d.Artifact, d.Address.Hex(), d.TxHash.Hex(), int64(d.BlockNumber),
				d.StepID, d.CodeHash.Hex(), store.CompressABI(d.ABI), d.DeployedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("insert deployment: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lookup deployment: %w", err)
		}

		if common.HexToAddress(existing) == d.Address {
			return nil
		}
		if !replace {
			return fmt.Errorf("%w: %s on %s is %s, got %s", contracts.ErrAddressConflict,
				d.Artifact, d.NetworkID, existing, d.Address.Hex())
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE deployments
			SET address = ?, tx_hash = ?, block_number = ?, step_id = ?, code_hash = ?, abi = ?, deployed_at = ?
			WHERE network_id = ? AND artifact = ?`,
			d.Address.Hex(), d.TxHash.Hex(), int64(d.BlockNumber), d.StepID, d.CodeHash.Hex(),
			store.CompressABI(d.ABI), d.DeployedAt.UnixNano(), d.NetworkID, d.Artifact)
		if err != nil {
			return fmt.Errorf("replace deployment: %w", err)
		}
		return nil
	})
}

const deploymentColumns = `network_id, artifact, address, tx_hash, block_number, step_id, code_hash, abi, deployed_at`

func (s *Store) GetDeployment(ctx context.Context, networkID, artifact string) (*contracts.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE network_id = ? AND artifact = ?`, networkID, artifact)
	if err != nil {
		return nil, fmt.Errorf("query deployment: %w", err)
	}
	defer rows.Close()

	out, err := scanDeployments(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: deployment of %s on %s", contracts.ErrNotFound, artifact, networkID)
	}
	return &out[0], nil
}

func (s *Store) ListDeployments(ctx context.Context, networkID string) ([]contracts.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE network_id = ?
		ORDER BY seq`, networkID)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

func scanDeployments(rows *sql.Rows) ([]contracts.Deployment, error) {
	var out []contracts.Deployment
	for rows.Next() {
		var (
			d                          contracts.Deployment
			address, txHash, codeHash  string
			abi                        []byte
			block, deployedAtUnixNanos int64
		)
		if err := rows.Scan(&d.NetworkID, &d.Artifact, &address, &txHash, &block, &d.StepID, &codeHash, &abi, &deployedAtUnixNanos); err != nil {
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
		d.DeployedAt = time.Unix(0, deployedAtUnixNanos).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
