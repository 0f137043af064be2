// Package ratelimit implements the asymmetric address+username failure
// bucket the login and release endpoints need: a sliding 60s window of
// failed-attempt timestamps keyed by (kind, identity), purged lazily.
package ratelimit

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind distinguishes the buckets that share this package's mechanics but
// have independent thresholds and never interact.
type Kind int

const (
	KindLoginAddress Kind = iota
	KindLoginUsername
	KindRelease
)

// Clock is the time seam used so tests can control the sliding window
// without sleeping.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type bucketKey struct {
	kind     Kind
	identity string
}

// Limiter tracks failure timestamps per (kind, identity) over a 60s
// window, plus a smoothing global token bucket per kind so a single burst
// from many distinct identities is still bounded.
type Limiter struct {
	window time.Duration
	clock  Clock

	mu      sync.Mutex
	buckets map[bucketKey][]time.Time

	global map[Kind]*rate.Limiter
}

// Thresholds, per spec: 20 failures/60s per address, 5/60s per username,
// 10/60s per address on the release endpoint (kept separate so release
// brute-forcing cannot lock out logins from the same address).
const (
	ThresholdAddress  = 20
	ThresholdUsername = 5
	ThresholdRelease  = 10
	Window            = 60 * time.Second
)

// New builds a Limiter with a smoothing global bucket per kind at 50 qps
// burst 100 — generous relative to the per-identity thresholds; it exists
// only to blunt a flood of distinct identities, not to replace the
// per-identity bookkeeping below.
func New() *Limiter {
	return NewWithClock(realClock{})
}

// NewWithClock allows tests to inject a controllable clock.
func NewWithClock(clock Clock) *Limiter {
	return &Limiter{
		window:  Window,
		clock:   clock,
		buckets: make(map[bucketKey][]time.Time),
		global: map[Kind]*rate.Limiter{
			KindLoginAddress:  rate.NewLimiter(50, 100),
			KindLoginUsername: rate.NewLimiter(50, 100),
			KindRelease:       rate.NewLimiter(50, 100),
		},
	}
}

func threshold(kind Kind) int {
	switch kind {
	case KindLoginAddress:
		return ThresholdAddress
	case KindLoginUsername:
		return ThresholdUsername
	case KindRelease:
		return ThresholdRelease
	default:
		return ThresholdAddress
	}
}

// Check reports whether kind/identity currently has fewer than its
// threshold of failures in the trailing window. It does not append to the
// per-identity failure bucket, matching the spec's "check read-only, then
// run the credential check, then record" ordering, but it does consume a
// token from the per-kind global smoothing bucket — that bucket exists to
// blunt request volume itself, not just recorded failures, so it must be
// charged on every check regardless of the eventual credential outcome.
// retryAfter is the number of whole seconds until the oldest failure ages
// out, valid only when allowed is false.
func (l *Limiter) Check(kind Kind, identity string) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{kind, identity}
	now := l.clock.Now()
	fresh := l.purgeLocked(key, now)
	l.buckets[key] = fresh

	limit := threshold(kind)
	if len(fresh) >= limit {
		oldest := fresh[0]
		remaining := l.window - now.Sub(oldest)
		if remaining < 0 {
			remaining = 0
		}
		secs := int(remaining / time.Second)
		if remaining%time.Second != 0 {
			secs++
		}
		return false, secs
	}

	if !l.global[kind].AllowN(now, 1) {
		return false, 1
	}
	return true, 0
}

// RecordFailure appends a failure timestamp to kind/identity's bucket.
func (l *Limiter) RecordFailure(kind Kind, identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bucketKey{kind, identity}
	now := l.clock.Now()
	fresh := l.purgeLocked(key, now)
	l.buckets[key] = append(fresh, now)
}

// ClearUsername clears only the username bucket on a successful login —
// the address bucket is never cleared by a success, per the asymmetry
// invariant.
func (l *Limiter) ClearUsername(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, bucketKey{KindLoginUsername, username})
}

func (l *Limiter) purgeLocked(key bucketKey, now time.Time) []time.Time {
	existing := l.buckets[key]
	if len(existing) == 0 {
		return existing
	}
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(existing) && existing[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return existing
	}
	return append([]time.Time(nil), existing[i:]...)
}

// NormalizeAddress implements the bucket-identity normalization required
// by spec.md §3/§4.1: IPv4-in-IPv6 is unwrapped, then IPv6 is truncated
// to its /64 prefix; IPv4 addresses are kept whole.
func NormalizeAddress(addr string) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		// Best effort: caller may have passed "host:port".
		if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
			if ip2, err2 := netip.ParseAddr(host); err2 == nil {
				ip = ip2
			} else {
				return addr
			}
		} else {
			return addr
		}
	}

	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if ip.Is6() {
		prefix, err := ip.Prefix(64)
		if err == nil {
			return prefix.Masked().String()
		}
	}
	return ip.String()
}
