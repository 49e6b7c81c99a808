// Package registry implements the artifact registry: compiled artifacts known
// to a run and the address each one was deployed to on every network.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	contracts "github.com/fds-service/contracts"
	"github.com/fds-service/contracts/internal/store"
)

// Config contains optional registry settings.
type Config struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Now stamps recorded deployments. Defaults to time.Now.
	Now func() time.Time
}

// Registry holds artifacts in memory and deployed addresses in the store.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	artifacts map[string]contracts.Artifact
}

// New creates a registry over s.
func New(s store.Store, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:     s,
		logger:    logger,
		now:       now,
		artifacts: make(map[string]contracts.Artifact),
	}
}

// Register adds an artifact. Registering the same content twice is a no-op;
// different content under an existing name fails with ErrDuplicateArtifact.
func (r *Registry) Register(a contracts.Artifact) error {
	if a.Name == "" {
		return errors.New("registry: artifact has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.artifacts[a.Name]; ok {
		if existing.ContentHash() == a.ContentHash() {
			return nil
		}
		return fmt.Errorf("%w: %s (registered from %s, got %s)",
			contracts.ErrDuplicateArtifact, a.Name, existing.Source, a.Source)
	}
	r.artifacts[a.Name] = a
	return nil
}

// RegisterAll registers each artifact, stopping at the first error.
func (r *Registry) RegisterAll(artifacts []contracts.Artifact) error {
	for _, a := range artifacts {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// Artifact returns a registered artifact by name.
func (r *Registry) Artifact(name string) (contracts.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.artifacts[name]
	if !ok {
		return contracts.Artifact{}, fmt.Errorf("%w: %s", contracts.ErrUnknownArtifact, name)
	}
	return a, nil
}

// Names returns the registered artifact names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.artifacts))
	for name := range r.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveAddress returns the deployment of artifact on networkID, or
// ErrUnresolvedDependency when it has not been deployed there.
func (r *Registry) ResolveAddress(ctx context.Context, artifact, networkID string) (*contracts.Deployment, error) {
	d, err := r.store.GetDeployment(ctx, networkID, artifact)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no address on %s", contracts.ErrUnresolvedDependency, artifact, networkID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s on %s: %w", artifact, networkID, err)
	}
	return d, nil
}

// RecordDeployment stores the address of a registered artifact. Recording the
// same address again is a no-op; a different address fails with
// ErrAddressConflict.
func (r *Registry) RecordDeployment(ctx context.Context, d contracts.Deployment) error {
	return r.record(ctx, d, false)
}

// Redeploy records d, replacing any existing address.
func (r *Registry) Redeploy(ctx context.Context, d contracts.Deployment) error {
	return r.record(ctx, d, true)
}

func (r *Registry) record(ctx context.Context, d contracts.Deployment, replace bool) error {
	a, err := r.Artifact(d.Artifact)
	if err != nil {
		return err
	}
	if d.NetworkID == "" {
		return fmt.Errorf("%w: deployment of %s has no network", contracts.ErrConfiguration, d.Artifact)
	}

	d.CodeHash = a.CodeHash()
	d.ABI = a.ABI
	if d.DeployedAt.IsZero() {
		d.DeployedAt = r.now().UTC()
	}

	if err := r.store.PutDeployment(ctx, d, replace); err != nil {
		return err
	}

	r.logger.Info("recorded deployment",
		slog.String("artifact", d.Artifact),
		slog.String("network", d.NetworkID),
		slog.String("address", d.Address.Hex()),
		slog.String("tx_hash", d.TxHash.Hex()),
		slog.Bool("replace", replace),
	)
	return nil
}

// Deployments returns every deployment on networkID in recording order.
func (r *Registry) Deployments(ctx context.Context, networkID string) ([]contracts.Deployment, error) {
	return r.store.ListDeployments(ctx, networkID)
}

// View returns a read-only view of networkID limited to the given artifacts.
func (r *Registry) View(networkID string, reads []string) *View {
	allowed := make(map[string]struct{}, len(reads))
	for _, name := range reads {
		allowed[name] = struct{}{}
	}
	return &View{registry: r, networkID: networkID, reads: allowed}
}

// View is what a step resolver sees of the registry: deployed addresses on a
// single network, restricted to the artifacts the step declares it reads.
type View struct {
	registry  *Registry
	networkID string
	reads     map[string]struct{}
}

// NetworkID returns the network the view is bound to.
func (v *View) NetworkID() string {
	return v.networkID
}

// Address returns the deployed address of artifact.
func (v *View) Address(ctx context.Context, artifact string) (common.Address, error) {
	if _, ok := v.reads[artifact]; !ok {
		return common.Address{}, fmt.Errorf("%w: %s is not a declared dependency", contracts.ErrUnresolvedDependency, artifact)
	}
	d, err := v.registry.ResolveAddress(ctx, artifact, v.networkID)
	if err != nil {
		return common.Address{}, err
	}
	return d.Address, nil
}
