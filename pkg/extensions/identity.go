// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable edges of the streamsearch
// service. Deployments that sit behind a different gateway swap the
// default implementations without touching the handlers.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a request carries no usable identity.
// Implementations should wrap it with the reason.
var ErrUnauthorized = errors.New("unauthorized")

// Gateway headers read by HeaderIdentityProvider.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	HeaderCompany  = "X-Company"
)

// AnonymousUser is the user id given to requests without a user header
// when identity is not required.
const AnonymousUser = "anonymous"

// Identity is who is asking. UserID is never empty.
type Identity struct {
	// UserID keys the caller's dialogs and private knowledge base.
	UserID string

	// Name is the display name stored on new dialogs. May be empty.
	Name string

	// Company is stored on new dialogs. May be empty.
	Company string
}

// IdentityProvider resolves the caller of a request.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type IdentityProvider interface {
	// Identify returns the caller described by h.
	//
	// Returns ErrUnauthorized (or a wrap of it) when the caller cannot be
	// identified; other errors are failures of the provider itself.
	Identify(ctx context.Context, h http.Header) (*Identity, error)
}

// HeaderIdentityProvider trusts the identity headers set by the gateway in
// front of the service.
//
// With Require unset, a request without a user id is served as
// AnonymousUser.
type HeaderIdentityProvider struct {
	Require bool
}

// Identify reads the gateway headers from h.
func (p *HeaderIdentityProvider) Identify(_ context.Context, h http.Header) (*Identity, error) {
	id := &Identity{
		UserID:  strings.TrimSpace(h.Get(HeaderUserID)),
		Name:    strings.TrimSpace(h.Get(HeaderUserName)),
		Company: strings.TrimSpace(h.Get(HeaderCompany)),
	}
	if id.UserID == "" {
		if p.Require {
			return nil, fmt.Errorf("missing %s header: %w", HeaderUserID, ErrUnauthorized)
		}
		id.UserID = AnonymousUser
	}
	return id, nil
}

var _ IdentityProvider = (*HeaderIdentityProvider)(nil)
