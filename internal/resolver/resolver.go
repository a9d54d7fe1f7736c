// Package resolver turns target host names into addresses without
// blocking the poll loop.  Results are cached for a short TTL and
// concurrent lookups for the same host share one query.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheSize bounds the number of cached host names.
	DefaultCacheSize = 256
	// DefaultTTL is how long a successful lookup is reused.
	DefaultTTL = 30 * time.Second
	// DefaultLookupTimeout bounds a single lookup.
	DefaultLookupTimeout = 10 * time.Second
)

// LookupFunc resolves host to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Resolver caches and de-duplicates host lookups.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration
	cache   *expirable.LRU[string, []netip.Addr]
	group   singleflight.Group
}

// New creates a Resolver.  A nil lookup uses the system resolver.
func New(size int, ttl time.Duration, lookup LookupFunc) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if lookup == nil {
		lookup = systemLookup
	}
	return &Resolver{
		lookup:  lookup,
		timeout: DefaultLookupTimeout,
		cache:   expirable.NewLRU[string, []netip.Addr](size, nil, ttl),
	}
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Resolve returns the addresses for host immediately when host is an
// IP literal or cached (ok is true).  Otherwise it starts a lookup and
// returns ok=false; done is later invoked exactly once, from another
// goroutine, with the outcome.
func (r *Resolver) Resolve(ctx context.Context, host string, done func([]netip.Addr, error)) ([]netip.Addr, bool) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, true
	}
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, true
	}

	go func() {
		v, err, _ := r.group.Do(host, func() (interface{}, error) {
			return r.resolve(ctx, host)
		})
		if err != nil {
			done(nil, err)
			return
		}
		done(v.([]netip.Addr), nil)
	}()
	return nil, false
}

func (r *Resolver) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %q: no addresses", host)
	}
	r.cache.Add(host, addrs)
	return addrs, nil
}

// Purge drops every cached entry.
func (r *Resolver) Purge() {
	r.cache.Purge()
}
