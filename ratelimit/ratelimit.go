// Package ratelimit implements per-key request limiting for the SMTP
// server. Each limit kind pairs a maximum count with a time window; the
// algorithm is chosen by window length: a token bucket for windows of
// up to a minute (smooth admission), a sliding window above that
// (precise counting over long spans).
//
// Keys are opaque strings, typically a client IP or an authenticated
// user identity. State for distinct (key, kind) pairs is independent.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// timeNow is a test seam.
var timeNow = time.Now

// Kind identifies one class of limited operation.
type Kind int

const (
	// Connections limits SMTP connections per IP.
	Connections Kind = iota
	// AuthAttempts limits AUTH attempts per IP.
	AuthAttempts
	// MessagesPerUser limits accepted messages per authenticated user.
	MessagesPerUser
	// RecipientsPerMessage caps recipients in a single transaction.
	// It has no window; the session enforces it per message.
	RecipientsPerMessage
	// APIPerIP limits API requests per IP.
	APIPerIP
	// APIPerUser limits API requests per user.
	APIPerUser
	// DNSQueries limits resolver queries process-wide.
	DNSQueries
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case Connections:
		return "connections"
	case AuthAttempts:
		return "auth-attempts"
	case MessagesPerUser:
		return "messages-per-user"
	case RecipientsPerMessage:
		return "recipients-per-message"
	case APIPerIP:
		return "api-per-ip"
	case APIPerUser:
		return "api-per-user"
	case DNSQueries:
		return "dns-queries"
	}
	return "unknown"
}

// Limit is the maximum count and window for one kind.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits returns the built-in limit table.
func DefaultLimits() map[Kind]Limit {
	return map[Kind]Limit{
		Connections:          {Max: 60, Window: time.Minute},
		AuthAttempts:         {Max: 10, Window: time.Hour},
		MessagesPerUser:      {Max: 100, Window: time.Hour},
		RecipientsPerMessage: {Max: 100},
		APIPerIP:             {Max: 120, Window: time.Minute},
		APIPerUser:           {Max: 1000, Window: time.Hour},
		DNSQueries:           {Max: 1000, Window: time.Minute},
	}
}

// algorithm is the common contract of the two limiter implementations.
type algorithm interface {
	// tryConsume admits n requests, or none.
	tryConsume(now time.Time, n int) bool
	// count returns the requests currently charged to the window.
	count(now time.Time) int
	// idleSince reports the last activity, for garbage collection.
	idleSince() time.Time
}

// tokenBucket refills capacity at a constant rate. Suitable for short
// windows where smoothing bursts matters more than exact counts.
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(limit Limit, now time.Time) *tokenBucket {
	capacity := float64(limit.Max)
	rate := 0.0
	if limit.Window > 0 {
		rate = capacity / limit.Window.Seconds()
	}
	return &tokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: rate,
		lastRefill: now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*b.refillRate, b.capacity)
	}
	b.lastRefill = now
}

func (b *tokenBucket) tryConsume(now time.Time, n int) bool {
	b.refill(now)
	need := float64(n)
	if b.tokens < need {
		return false
	}
	b.tokens -= need
	return true
}

func (b *tokenBucket) count(now time.Time) int {
	b.refill(now)
	used := b.capacity - b.tokens
	// Round up: a partially spent token is a spent token.
	c := int(used)
	if float64(c) < used {
		c++
	}
	return c
}

func (b *tokenBucket) idleSince() time.Time { return b.lastRefill }

// slidingWindow keeps the timestamps of admitted requests and evicts
// those older than the window on every operation.
type slidingWindow struct {
	times  []time.Time
	max    int
	window time.Duration
	seen   time.Time
}

func newSlidingWindow(limit Limit, now time.Time) *slidingWindow {
	return &slidingWindow{
		times:  make([]time.Time, 0, limit.Max),
		max:    limit.Max,
		window: limit.Window,
		seen:   now,
	}
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *slidingWindow) tryConsume(now time.Time, n int) bool {
	w.seen = now
	w.evict(now)
	if len(w.times)+n > w.max {
		return false
	}
	for i := 0; i < n; i++ {
		w.times = append(w.times, now)
	}
	return true
}

func (w *slidingWindow) count(now time.Time) int {
	w.evict(now)
	return len(w.times)
}

func (w *slidingWindow) idleSince() time.Time { return w.seen }

// newAlgorithm picks the implementation for a limit by window length.
func newAlgorithm(limit Limit, now time.Time) algorithm {
	if limit.Window > time.Minute {
		return newSlidingWindow(limit, now)
	}
	return newTokenBucket(limit, now)
}

// shardCount spreads keyed state over independent mutexes so one hot
// key cannot serialize every session. Power of two.
const shardCount = 16

type entryKey struct {
	key  string
	kind Kind
}

type shard struct {
	mu      sync.Mutex
	entries map[entryKey]algorithm
}

// Limiter tracks per-(key, kind) request counts.
type Limiter struct {
	limits map[Kind]Limit
	shards [shardCount]*shard

	gcMu   sync.Mutex
	lastGC time.Time
	gcTTL  time.Duration
}

// NewLimiter creates a limiter. A nil limits map uses DefaultLimits.
func NewLimiter(limits map[Kind]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	l := &Limiter{
		limits: limits,
		lastGC: timeNow(),
		gcTTL:  5 * time.Minute,
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[entryKey]algorithm)}
	}
	return l
}

// Limit returns the configured limit for kind and whether one exists.
func (l *Limiter) Limit(kind Kind) (Limit, bool) {
	limit, ok := l.limits[kind]
	return limit, ok
}

func (l *Limiter) shardFor(k entryKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.key))
	h.Write([]byte{byte(k.kind)})
	return l.shards[h.Sum32()&(shardCount-1)]
}

// Check admits one request for (key, kind). Unknown kinds are allowed.
func (l *Limiter) Check(key string, kind Kind) bool {
	return l.CheckN(key, kind, 1)
}

// CheckN atomically admits n requests for (key, kind), or none.
func (l *Limiter) CheckN(key string, kind Kind, n int) bool {
	limit, ok := l.limits[kind]
	if !ok || limit.Max <= 0 {
		return true
	}
	now := timeNow()
	l.maybeGC(now)

	k := entryKey{key, kind}
	s := l.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	alg, ok := s.entries[k]
	if !ok {
		alg = newAlgorithm(limit, now)
		s.entries[k] = alg
	}
	return alg.tryConsume(now, n)
}

// Count returns the requests currently charged to (key, kind).
func (l *Limiter) Count(key string, kind Kind) int {
	k := entryKey{key, kind}
	s := l.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	alg, ok := s.entries[k]
	if !ok {
		return 0
	}
	return alg.count(timeNow())
}

// Reset clears the state for (key, kind).
func (l *Limiter) Reset(key string, kind Kind) {
	k := entryKey{key, kind}
	s := l.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// maybeGC drops entries idle past their window, at most once per gcTTL.
func (l *Limiter) maybeGC(now time.Time) {
	l.gcMu.Lock()
	if now.Sub(l.lastGC) < l.gcTTL {
		l.gcMu.Unlock()
		return
	}
	l.lastGC = now
	l.gcMu.Unlock()

	for _, s := range l.shards {
		s.mu.Lock()
		for k, alg := range s.entries {
			window := l.limits[k.kind].Window
			if window < time.Minute {
				window = time.Minute
			}
			if now.Sub(alg.idleSince()) > 2*window {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// TokenBucket is a standalone concurrency-safe bucket, used as a
// process-wide gate (e.g. bounding total DNS query volume). It
// satisfies interfaces with an Allow() bool method.
type TokenBucket struct {
	mu     sync.Mutex
	bucket *tokenBucket
}

// NewTokenBucket creates a bucket admitting max requests per window.
func NewTokenBucket(max int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		bucket: newTokenBucket(Limit{Max: max, Window: window}, timeNow()),
	}
}

// Allow consumes one token, reporting whether one was available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucket.tryConsume(timeNow(), 1)
}
