// Package redis stores the ledger and registry in Redis. Slot claims and
// deployment writes run as Lua scripts so they stay atomic across runners.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

const keyPrefix = "fdsmigrate"

// KEYS: inflight hash, ledger list. ARGV: step id, attempt id, record JSON.
var beginScript = goredis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[3])
return 1
`)

// KEYS: inflight hash, ledger list. ARGV: step id, attempt id, record JSON.
var finishScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[3])
return 1
`)

// KEYS: addresses hash, entries hash, order list.
// ARGV: artifact, address, entry JSON, replace flag.
// Returns {1, ""} inserted, {0, ""} unchanged or replaced, {-1, existing} conflict.
var putDeploymentScript = goredis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if not existing then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
	redis.call('RPUSH', KEYS[3], ARGV[1])
	return {1, ''}
end
if existing == ARGV[2] then
	return {0, ''}
end
if ARGV[4] ~= '1' then
	return {-1, existing}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return {0, ''}
`)

// Store is a go-redis backed store.
type Store struct {
	client goredis.UniversalClient
}

// IsURL reports whether s is a Redis connection URL.
func IsURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "redis://") || strings.HasPrefix(lower, "rediss://")
}

// Open connects to the Redis server at url.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", contracts.ErrConfiguration, err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Keys share a hash tag per network so scripts work on Redis Cluster.
func key(networkID, kind string) string {
	return fmt.Sprintf("%s:{%s}:%s", keyPrefix, networkID, kind)
}

func (s *Store) BeginAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	ok, err := beginScript.Run(ctx, s.client,
		[]string{key(rec.NetworkID, "inflight"), key(rec.NetworkID, "ledger")},
		rec.StepID, rec.AttemptID.String(), payload,
	).Int()
	if err != nil {
		return fmt.Errorf("claim attempt slot: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: step %s on %s", contracts.ErrAttemptInProgress, rec.StepID, rec.NetworkID)
	}
	return nil
}

func (s *Store) FinishAttempt(ctx context.Context, rec contracts.LedgerRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	ok, err := finishScript.Run(ctx, s.client,
		[]string{key(rec.NetworkID, "inflight"), key(rec.NetworkID, "ledger")},
		rec.StepID, rec.AttemptID.String(), payload,
	).Int()
	if err != nil {
		return fmt.Errorf("release attempt slot: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: attempt %s", contracts.ErrAttemptClosed, rec.AttemptID)
	}
	return nil
}

func (s *Store) LedgerRecords(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	raw, err := s.client.LRange(ctx, key(networkID, "ledger"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return decodeAll[contracts.LedgerRecord](raw)
}

func (s *Store) InFlight(ctx context.Context, networkID string) ([]contracts.LedgerRecord, error) {
	holders, err := s.client.HGetAll(ctx, key(networkID, "inflight")).Result()
	if err != nil {
		return nil, fmt.Errorf("read in-flight attempts: %w", err)
	}
	if len(holders) == 0 {
		return nil, nil
	}

	records, err := s.LedgerRecords(ctx, networkID)
	if err != nil {
		return nil, err
	}

	var out []contracts.LedgerRecord
	for _, rec := range records {
		if rec.Status == contracts.AttemptPending && holders[rec.StepID] == rec.AttemptID.String() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx contracts.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	if err := s.client.RPush(ctx, key(tx.NetworkID, "transactions"), payload).Err(); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, networkID string) ([]contracts.Transaction, error) {
	raw, err := s.client.LRange(ctx, key(networkID, "transactions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transactions: %w", err)
	}
	return decodeAll[contracts.Transaction](raw)
}

// deploymentEntry carries the ABI compressed.
type deploymentEntry struct {
	contracts.Deployment
	ABIZstd []byte `json:"abi_zstd,omitempty"`
}

func (s *Store) PutDeployment(ctx context.Context, d contracts.Deployment, replace bool) error {
	entry := deploymentEntry{Deployment: d, ABIZstd: store.CompressABI(d.ABI)}
	entry.Deployment.ABI = nil
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode deployment: %w", err)
	}

	flag := "0"
	if replace {
		flag = "1"
	}
	res, err := putDeploymentScript.Run(ctx, s.client,
		[]string{
			key(d.NetworkID, "addresses"),
			key(d.NetworkID, "deployments"),
			key(d.NetworkID, "deployment_order"),
		},
		d.Artifact, d.Address.Hex(), payload, flag,
	).Slice()
	if err != nil {
		return fmt.Errorf("put deployment: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("put deployment: unexpected script reply %v", res)
	}
	if code, _ := res[0].(int64); code == -1 {
		return fmt.Errorf("%w: %s on %s is %v, got %s", contracts.ErrAddressConflict,
			d.Artifact, d.NetworkID, res[1], d.Address.Hex())
	}
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, networkID, artifact string) (*contracts.Deployment, error) {
	raw, err := s.client.HGet(ctx, key(networkID, "deployments"), artifact).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: deployment of %s on %s", contracts.ErrNotFound, artifact, networkID)
	}
	if err != nil {
		return nil, fmt.Errorf("read deployment: %w", err)
	}
	return decodeDeployment(raw)
}

func (s *Store) ListDeployments(ctx context.Context, networkID string) ([]contracts.Deployment, error) {
	order, err := s.client.LRange(ctx, key(networkID, "deployment_order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read deployment order: %w", err)
	}
	if len(order) == 0 {
		return nil, nil
	}

	raw, err := s.client.HMGet(ctx, key(networkID, "deployments"), order...).Result()
	if err != nil {
		return nil, fmt.Errorf("read deployments: %w", err)
	}

	out := make([]contracts.Deployment, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		d, err := decodeDeployment(str)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func decodeDeployment(raw string) (*contracts.Deployment, error) {
	var entry deploymentEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	abi, err := store.DecompressABI(entry.ABIZstd)
	if err != nil {
		return nil, err
	}
	d := entry.Deployment
	d.ABI = abi
	return &d, nil
}

func decodeAll[T any](raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)
