// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when authentication fails. Hosted
// implementations should wrap this error with additional context:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// UserID is the only required field. Hosted providers populate the rest
// from their identity source.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated caller.
	// Must never be empty.
	UserID string

	// Email is the caller's email address, when the provider knows it.
	Email string

	// Roles contains the caller's role memberships.
	// Common roles: "admin", "operator", "viewer"
	Roles []string
}

// HasRole checks if the caller holds a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns caller
// identity.
//
// Implementations must be safe for concurrent use by multiple
// goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with
// admin privileges, so a local gateway works without any authentication
// infrastructure. TokenProvider upgrades that to a single shared API
// token for gateways exposed beyond localhost.
//
// # Hosted Implementation
//
// Hosted deployments implement this interface against identity
// providers (OIDC, API-key services) and return real identities.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (possibly wrapped) when the token is
	// invalid; other errors signal provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider for open
// source. It always returns a valid local user with admin privileges,
// whatever the token (including empty).
//
// Thread-safe: this implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local admin user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// TokenProvider returns an AuthProvider that accepts exactly one shared
// bearer token. Callers presenting it authenticate as "api-client" with
// the operator role; anything else is ErrUnauthorized.
//
// The comparison is constant-time. An empty configured token rejects
// every request rather than accepting every request.
func TokenProvider(token string) AuthProvider {
	return &tokenProvider{token: token}
}

type tokenProvider struct {
	token string
}

func (p *tokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if p.token == "" || subtle.ConstantTimeCompare([]byte(p.token), []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{
		UserID: "api-client",
		Roles:  []string{"operator"},
	}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*tokenProvider)(nil)
)
