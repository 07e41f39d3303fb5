package registry

import (
	"context"
	"time"

	"github.com/drblury/servicemesh/internal/runtime/ids"
)

// Scope identifies one handler invocation. Every delivered message gets a
// fresh scope; scopes are never shared between invocations.
type Scope struct {
	ID           string
	Subject      string
	Registration string
	Started      time.Time
}

type scopeKey struct{}

// NewScope creates a scope for a single delivery.
func NewScope(subject, registration string) *Scope {
	return &Scope{
		ID:           ids.New(),
		Subject:      subject,
		Registration: registration,
		Started:      time.Now(),
	}
}

// WithScope stores s in ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the invocation scope carried by ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}
