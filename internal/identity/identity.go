// Package identity supplies the profile of the user acting on a request.
package identity

import (
	"context"
	"errors"

	"budgetbase/internal/core"
)

var ErrNoProfile = errors.New("no user profile")

// Provider returns the current user's profile.
type Provider interface {
	Profile(ctx context.Context) (core.Profile, error)
}

type ctxKey struct{}

// WithProfile attaches p to ctx.
func WithProfile(ctx context.Context, p core.Profile) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the profile attached by WithProfile.
func FromContext(ctx context.Context) (core.Profile, bool) {
	p, ok := ctx.Value(ctxKey{}).(core.Profile)
	return p, ok
}

// Context reads the profile from the request context.
type Context struct{}

func (Context) Profile(ctx context.Context) (core.Profile, error) {
	p, ok := FromContext(ctx)
	if !ok || p.UserID == "" {
		return core.Profile{}, ErrNoProfile
	}
	return p, nil
}

// Static always returns the same profile. Used by workers and tests.
type Static core.Profile

func (s Static) Profile(context.Context) (core.Profile, error) {
	return core.Profile(s), nil
}
