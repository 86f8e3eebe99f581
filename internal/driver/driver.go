// Package driver defines the contract every managed resource kind
// (ECS services, RDS instances, CloudFront distributions, EC2 instances)
// implements so the orchestrator can start and stop a whole environment
// without knowing each kind's AWS semantics.
package driver

import (
	"context"
	"fmt"
)

// Kind identifies one managed resource category.
type Kind string

const (
	KindEC2Instance  Kind = "ec2-instance"
	KindRDSInstance  Kind = "rds-instance"
	KindECSService   Kind = "ecs-service"
	KindDistribution Kind = "cloudfront-distribution"
)

// Kinds lists every kind in dependency order, most foundational first.
// Starting walks this list forward, stopping walks it backwards.
var Kinds = []Kind{KindEC2Instance, KindRDSInstance, KindECSService, KindDistribution}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// TargetState is the binary operational state the orchestrator drives
// resources into.  Each kind maps its native status vocabulary onto it.
type TargetState int

const (
	Running TargetState = iota + 1
	Stopped
)

func (s TargetState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("TargetState(%d)", int(s))
	}
}

// Opposite returns the state a resource must currently be in for a
// transition to s to be needed.
func (s TargetState) Opposite() TargetState {
	if s == Running {
		return Stopped
	}
	return Running
}

// Verb is the imperative used in progress messages ("start" / "stop").
func (s TargetState) Verb() string {
	if s == Running {
		return "start"
	}
	return "stop"
}

// Resource describes one discovered resource.  Resources are discovered
// fresh on every run and never cached.
type Resource struct {
	Kind Kind

	// ID is the identifier passed back to the provider API (an ARN,
	// instance id, distribution id, ...).
	ID string

	// Name is a human-readable label for progress output.  Falls back to ID.
	Name string

	CurrentState TargetState
	DesiredState TargetState

	// Tags carries orchestration metadata read from the provider, e.g. the
	// instance count to restore on start.
	Tags map[string]string

	// Scope is the kind-specific container of the resource, e.g. the ECS
	// cluster ARN of a service.  Empty when the kind has none.
	Scope string
}

// Label returns Name, or ID when no name is known.
func (r Resource) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Driver is the contract every resource kind must satisfy.
//
// A driver performs a transition in three steps, each of which re-reads
// live provider state:
//
//	ListManaged → Toggle (per resource) → AwaitConvergence (per resource)
//
// ListManaged only returns resources currently in the opposite of target,
// which is what makes repeated runs idempotent: once everything converged
// a second run discovers nothing and issues no calls.
type Driver interface {
	// Kind reports which resource kind this driver manages.
	Kind() Kind

	// ListManaged discovers the resources of this kind that are managed
	// by the orchestrator and are currently NOT in target.  Discovery is
	// tag- or state-based; identifiers are never hard-coded.
	ListManaged(ctx context.Context, target TargetState) ([]Resource, error)

	// Toggle issues the provider call that moves r towards target.
	Toggle(ctx context.Context, r Resource, target TargetState) error

	// AwaitConvergence blocks until the provider reports r in target, or
	// the driver's polling budget is exhausted.
	AwaitConvergence(ctx context.Context, r Resource, target TargetState) error
}

// TagMap converts provider key/value tag pairs into a map.  Pairs with a
// nil key are skipped.
func TagMap[T any](tags []T, kv func(T) (*string, *string)) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		k, v := kv(t)
		if k == nil {
			continue
		}
		val := ""
		if v != nil {
			val = *v
		}
		out[*k] = val
	}
	return out
}
