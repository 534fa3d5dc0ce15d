package raftnode

import "context"

// Request names the (subject, action, resource) triple a Node consults
// before proposing a write or serving a consistency-sensitive read via
// its authorization hook. The policy engine itself is external; Conflux
// only defines the structural interface it plugs into.
type Request struct {
	Subject  string
	Action   string
	Resource string
}

// AuthHook is the injected policy evaluator. A nil AuthHook on Node means
// allow-all, which is the right default for tests and single-tenant
// deployments.
type AuthHook interface {
	Authorize(ctx context.Context, req Request) error
}

// AuthHookFunc adapts a function to AuthHook.
type AuthHookFunc func(ctx context.Context, req Request) error

func (f AuthHookFunc) Authorize(ctx context.Context, req Request) error { return f(ctx, req) }
