// Package credresolver implements C3, the credential→principal
// resolution pipeline: cache, then datastore, then an optional static
// fallback (spec §4.3).
package credresolver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/airelay/airelay/internal/credcache"
	"github.com/airelay/airelay/internal/credhash"
	"github.com/airelay/airelay/internal/principal"
)

// ErrNotFound is returned by a Datastore when the credential has no
// matching principal. It is distinct from an Unavailable datastore.
var ErrNotFound = errors.New("credresolver: credential not found")

// ErrUnauthorized is returned by Resolve when the credential matches
// nothing: no cache hit, no datastore row, and no static fallback match.
var ErrUnauthorized = errors.New("credresolver: unauthorized")

// ErrUnavailable is returned by Resolve when the datastore could not be
// consulted and no static fallback is configured (or doesn't match).
// Callers should treat this as retryable, unlike ErrUnauthorized.
var ErrUnavailable = errors.New("credresolver: datastore unavailable")

// Datastore is the subset of internal/store.Store that credential
// resolution needs. Returning ErrNotFound distinguishes "no such
// credential" from any other error, which the resolver treats as
// Unavailable.
type Datastore interface {
	LookupPrincipalByCredential(ctx context.Context, cred []byte) (principal.Principal, error)
}

// Resolver implements the cache → datastore → static-fallback chain.
type Resolver struct {
	cache      *credcache.Cache // nil if cache_url is unconfigured: always hit the datastore
	store      Datastore
	hasher     *credhash.Hasher
	staticCred []byte // optional; nil if unconfigured
	group      singleflight.Group
}

// Config configures a Resolver.
type Config struct {
	// Cache is optional (spec §6.4 cache_url): if nil, every Resolve
	// call skips straight to the datastore and nothing is cached.
	Cache  *credcache.Cache
	Store  Datastore
	Hasher *credhash.Hasher
	// StaticFallbackCredential, if non-empty, is accepted as a Shared
	// principal whenever the datastore is unavailable (spec §6.4
	// static_fallback_credential).
	StaticFallbackCredential []byte
}

// New constructs a Resolver from cfg.
func New(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("credresolver: Store is required")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("credresolver: Hasher is required")
	}
	return &Resolver{
		cache:      cfg.Cache,
		store:      cfg.Store,
		hasher:     cfg.Hasher,
		staticCred: cfg.StaticFallbackCredential,
	}, nil
}

// Resolve implements the strict ordering spec §4.3 demands:
//  1. Consult the cache. On hit, return.
//  2. Consult the datastore. On hit, cache and return.
//  3. If the datastore is unavailable and a static fallback is
//     configured and matches, return a synthetic Shared principal.
//     Otherwise surface ErrUnavailable.
//  4. Else ErrUnauthorized.
//
// Concurrent resolves of the same missing credential collapse to a
// single datastore lookup (singleflight keyed by the credential's
// keyed hash, scenario S5).
func (r *Resolver) Resolve(ctx context.Context, cred []byte) (principal.Principal, error) {
	hash, err := r.hasher.Hash(cred)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("credresolver: hash credential: %w", err)
	}

	if p, ok := r.cacheGet(hash); ok {
		return p, nil
	}

	v, err, _ := r.group.Do(hash, func() (interface{}, error) {
		// Re-check the cache: another goroutine may have populated it
		// while we waited to enter the singleflight group.
		if p, ok := r.cacheGet(hash); ok {
			return p, nil
		}

		p, storeErr := r.store.LookupPrincipalByCredential(ctx, cred)
		if storeErr == nil {
			r.cachePut(hash, p)
			return p, nil
		}
		if errors.Is(storeErr, ErrNotFound) {
			return principal.Principal{}, ErrUnauthorized
		}

		// Any other datastore error is treated as Unavailable, not
		// Unauthorized: the distinction matters for retry semantics
		// at callers (spec §4.3 step 3).
		if r.staticMatches(cred) {
			return principal.Principal{
				CredentialHash: hash,
				Tier:           principal.Tier{Kind: principal.Shared},
			}, nil
		}
		return principal.Principal{}, ErrUnavailable
	})
	if err != nil {
		return principal.Principal{}, err
	}
	return v.(principal.Principal), nil
}

func (r *Resolver) cacheGet(hash string) (principal.Principal, bool) {
	if r.cache == nil {
		return principal.Principal{}, false
	}
	return r.cache.Get(hash)
}

func (r *Resolver) cachePut(hash string, p principal.Principal) {
	if r.cache == nil {
		return
	}
	r.cache.Put(hash, p)
}

func (r *Resolver) staticMatches(cred []byte) bool {
	if len(r.staticCred) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(r.staticCred, cred) == 1
}
