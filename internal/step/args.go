package step

import (
	"context"
	"fmt"

	contracts "github.com/fds-service/contracts"
)

// Arg is a constructor argument source.
type Arg interface {
	Resolve(ctx context.Context, view View, network contracts.NetworkDescriptor) (any, error)
	String() string
}

// Literal passes v through unchanged.
func Literal(v any) Arg {
	return literalArg{value: v}
}

// AddressOf resolves to the deployed address of artifact on the run's network.
func AddressOf(artifact string) Arg {
	return addressArg{artifact: artifact}
}

// NetworkParam resolves to a constant from the network descriptor's params.
// A missing param is a configuration error.
func NetworkParam(key string) Arg {
	return paramArg{key: key}
}

// NetworkParamOr is NetworkParam with a fallback for networks that do not set
// key.
func NetworkParamOr(key, fallback string) Arg {
	return paramArg{key: key, fallback: fallback, hasFallback: true}
}

type literalArg struct {
	value any
}

func (a literalArg) Resolve(context.Context, View, contracts.NetworkDescriptor) (any, error) {
	return a.value, nil
}

func (a literalArg) String() string {
	return fmt.Sprintf("literal %v", a.value)
}

type addressArg struct {
	artifact string
}

func (a addressArg) Resolve(ctx context.Context, view View, _ contracts.NetworkDescriptor) (any, error) {
	addr, err := view.Address(ctx, a.artifact)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (a addressArg) String() string {
	return "address of " + a.artifact
}

type paramArg struct {
	key         string
	fallback    string
	hasFallback bool
}

func (a paramArg) Resolve(_ context.Context, _ View, network contracts.NetworkDescriptor) (any, error) {
	if v, ok := network.Param(a.key); ok {
		return v, nil
	}
	if a.hasFallback {
		return a.fallback, nil
	}
	return nil, fmt.Errorf("%w: network %s has no param %q", contracts.ErrConfiguration, network.ID, a.key)
}

func (a paramArg) String() string {
	return "param " + a.key
}
