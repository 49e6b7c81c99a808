// Package step models migration steps: ordered units of deployment work whose
// resolvers turn already-deployed addresses and network constants into a
// deployment plan.
package step

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	contracts "github.com/fds-service/contracts"
)

// View is the read-only registry view handed to a resolver.
type View interface {
	NetworkID() string
	Address(ctx context.Context, artifact string) (common.Address, error)
}

// Planned is one resolved deployment of a plan.
type Planned struct {
	Artifact string
	Args     []any
	// Redeploy replaces an existing address instead of reusing it.
	Redeploy bool
}

// Plan is the ordered list of deployments a step issues.
type Plan []Planned

// Resolver builds a step's plan for one network.
type Resolver func(ctx context.Context, view View, network contracts.NetworkDescriptor) (Plan, error)

// Step is an immutable migration step descriptor.
type Step struct {
	Index    int
	ID       string
	Reads    []string
	Produces []string
	Resolve  Resolver
}

// MayProduce reports whether artifact is declared in Produces.
func (s Step) MayProduce(artifact string) bool {
	for _, p := range s.Produces {
		if p == artifact {
			return true
		}
	}
	return false
}

// Deployment declares one artifact deployment with its constructor arguments.
type Deployment struct {
	Artifact string
	Args     []Arg
	Redeploy bool
}

// Deploy declares a deployment of artifact.
func Deploy(artifact string, args ...Arg) Deployment {
	return Deployment{Artifact: artifact, Args: args}
}

// Declare builds a step from deployments. Reads are the artifacts referenced
// by AddressOf arguments; Produces are the deployed artifacts.
func Declare(index int, id string, deployments ...Deployment) Step {
	var reads, produces []string
	seenRead := make(map[string]bool)
	seenProduced := make(map[string]bool)

	for _, d := range deployments {
		for _, arg := range d.Args {
			if ref, ok := arg.(addressArg); ok && !seenRead[ref.artifact] {
				seenRead[ref.artifact] = true
				reads = append(reads, ref.artifact)
			}
		}
		if !seenProduced[d.Artifact] {
			seenProduced[d.Artifact] = true
			produces = append(produces, d.Artifact)
		}
	}

	return Step{
		Index:    index,
		ID:       id,
		Reads:    reads,
		Produces: produces,
		Resolve:  Deploys(deployments...),
	}
}

// Deploys returns a resolver that resolves every argument of each deployment
// in order.
func Deploys(deployments ...Deployment) Resolver {
	return func(ctx context.Context, view View, network contracts.NetworkDescriptor) (Plan, error) {
		plan := make(Plan, 0, len(deployments))
		for _, d := range deployments {
			args := make([]any, 0, len(d.Args))
			for i, arg := range d.Args {
				v, err := arg.Resolve(ctx, view, network)
				if err != nil {
					return nil, fmt.Errorf("%s argument %d (%s): %w", d.Artifact, i, arg, err)
				}
				args = append(args, v)
			}
			plan = append(plan, Planned{Artifact: d.Artifact, Args: args, Redeploy: d.Redeploy})
		}
		return plan, nil
	}
}

// Sort returns a copy of steps ordered by Index.
func Sort(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Validate checks that steps form a well-defined sequence: ids and indices
// are unique, every step has a resolver, and no step reads an artifact that
// only a later step produces.
func Validate(steps []Step) error {
	ids := make(map[string]int)
	indices := make(map[int]string)
	producedBy := make(map[string]Step)

	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step at index %d has no id", contracts.ErrInvalidStep, s.Index)
		}
		if s.Resolve == nil {
			return fmt.Errorf("%w: step %s has no resolver", contracts.ErrInvalidStep, s.ID)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", contracts.ErrInvalidStep, s.ID)
		}
		if other, dup := indices[s.Index]; dup {
			return fmt.Errorf("%w: steps %s and %s share index %d", contracts.ErrInvalidStep, other, s.ID, s.Index)
		}
		ids[s.ID] = s.Index
		indices[s.Index] = s.ID

		for _, p := range s.Produces {
			if prev, ok := producedBy[p]; !ok || s.Index < prev.Index {
				producedBy[p] = s
			}
		}
	}

	for _, s := range steps {
		for _, r := range s.Reads {
			producer, ok := producedBy[r]
			if !ok {
				// Deployed outside this sequence; resolution checks it at run time.
				continue
			}
			if producer.Index >= s.Index {
				return fmt.Errorf("%w: step %s reads %s before step %s produces it",
					contracts.ErrInvalidStep, s.ID, r, producer.ID)
			}
		}
	}
	return nil
}
