// Package dnscache implements the DNS response cache from spec.md
// §3/§4.2: keyed by (name, qtype, qclass), TTL-driven, bounded with LRU
// eviction. The resolver keeps one Cache per zone, not one per upstream
// endpoint.
package dnscache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"grimm.is/leshy/internal/clock"
)

// Key identifies a cached response.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

func keyFor(q dns.Question) Key {
	return Key{Name: strings.ToLower(q.Name), Qtype: q.Qtype, Qclass: q.Qclass}
}

// entry holds a copy of the response message and the wall-clock instant
// it expires.
type entry struct {
	msg       *dns.Msg
	expiresAt time.Time
}

// Cache is one bounded set of entries with one TTL floor/ceiling. The
// resolver creates one per zone, so different zones resolving the same
// name maintain independent caches; upstreams within a zone share it.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[Key, entry]
	clock clock.Clock
	floor time.Duration
	ceil  time.Duration
}

// New creates a Cache bounded to size entries (spec default 1024), with an
// optional per-endpoint TTL floor/ceiling (0 means "no clamp").
func New(size int, floor, ceil time.Duration, c clock.Clock) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	if c == nil {
		c = &clock.RealClock{}
	}
	l, err := lru.New[Key, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, clock: c, floor: floor, ceil: ceil}, nil
}

// Get returns a copy of the cached response for q with TTLs decremented by
// the elapsed fraction, or (nil, false) on miss or expiry. An expired
// entry is discarded at this access (spec.md §4.2).
func (c *Cache) Get(q dns.Question) (*dns.Msg, bool) {
	k := keyFor(q)

	c.mu.Lock()
	e, ok := c.lru.Get(k)
	if ok && !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(k)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	remaining := e.expiresAt.Sub(c.clock.Now())
	if remaining <= 0 {
		return nil, false
	}

	resp := e.msg.Copy()
	ageTTL(resp, remaining)
	return resp, true
}

// Put stores resp as the cached answer for q. ttl is min(answer TTLs)
// already clamped by the caller against the endpoint's floor/ceiling.
func (c *Cache) Put(q dns.Question, resp *dns.Msg, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	k := keyFor(q)
	e := entry{msg: resp.Copy(), expiresAt: c.clock.Now().Add(ttl)}

	c.mu.Lock()
	c.lru.Add(k, e)
	c.mu.Unlock()
}

// ClampTTL applies the cache's configured floor/ceiling to a raw TTL
// duration computed from an upstream response.
func (c *Cache) ClampTTL(ttl time.Duration) time.Duration {
	if c.floor > 0 && ttl < c.floor {
		ttl = c.floor
	}
	if c.ceil > 0 && ttl > c.ceil {
		ttl = c.ceil
	}
	return ttl
}

// Len reports the number of stored entries, for diagnostics/tests.
// Expired entries count until a Get discards them.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// ageTTL rewrites every answer record's TTL to at most remaining, without
// ever increasing it above the value already on the record.
func ageTTL(msg *dns.Msg, remaining time.Duration) {
	capped := uint32(remaining.Seconds())
	if capped < 1 {
		capped = 1
	}
	for _, rr := range msg.Answer {
		if rr.Header().Ttl > capped {
			rr.Header().Ttl = capped
		}
	}
}

// MinTTL computes min(answer TTLs) for a response, per spec.md §4.2. It
// returns false if there are no answer records to derive a TTL from.
func MinTTL(resp *dns.Msg) (time.Duration, bool) {
	if len(resp.Answer) == 0 {
		return 0, false
	}
	min := resp.Answer[0].Header().Ttl
	for _, rr := range resp.Answer[1:] {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	return time.Duration(min) * time.Second, true
}
