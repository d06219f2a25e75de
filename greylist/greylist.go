// Package greylist tracks (sender, recipient, client IP) triples to
// defer mail from first-time senders, together with whitelist and
// blacklist overrides. A legitimate MTA retries after a few minutes and
// is then admitted and auto-whitelisted; fire-and-forget spam senders
// never come back.
//
// The store is shared by all sessions and safe for concurrent use. It
// can optionally persist its state to a bbolt database so greylist
// history survives restarts.
package greylist

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// timeNow is a test seam.
var timeNow = time.Now

// Status is the outcome of a greylist check.
type Status int

const (
	// StatusGreylisted defers the message: the triple is new or the
	// retry came before the configured delay.
	StatusGreylisted Status = iota
	// StatusWhitelisted admits the message.
	StatusWhitelisted
	// StatusBlacklisted rejects the message outright.
	StatusBlacklisted
)

// String returns the status name used in logs.
func (s Status) String() string {
	switch s {
	case StatusGreylisted:
		return "greylisted"
	case StatusWhitelisted:
		return "whitelisted"
	case StatusBlacklisted:
		return "blacklisted"
	}
	return "unknown"
}

// Entry tracks delivery attempts for one triple.
type Entry struct {
	Sender    string
	Recipient string
	ClientIP  string
	FirstSeen time.Time
	LastSeen  time.Time
	Attempts  uint32
	Status    Status
}

// Key returns the unique store key for the triple.
func (e *Entry) Key() string {
	return tripleKey(e.Sender, e.Recipient, e.ClientIP)
}

func tripleKey(sender, recipient, ip string) string {
	return sender + "\x00" + recipient + "\x00" + ip
}

// ListEntry is a whitelist or blacklist pattern: an exact address, or
// "@domain" matching every address at that domain.
type ListEntry struct {
	Pattern   string
	AddedAt   time.Time
	ExpiresAt time.Time // zero means never
	Reason    string
}

// Matches reports whether the pattern covers the given address.
func (e *ListEntry) Matches(address string) bool {
	if e.Pattern == address {
		return true
	}
	if strings.HasPrefix(e.Pattern, "@") {
		if _, domain, ok := strings.Cut(address, "@"); ok {
			return strings.EqualFold("@"+domain, e.Pattern)
		}
	}
	return false
}

func (e *ListEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Config holds greylisting policy.
type Config struct {
	// Delay before a retry is admitted. Default 5 minutes.
	Delay time.Duration

	// AutoWhitelist is how long a sender stays whitelisted after a
	// successful retry. Default 7 days.
	AutoWhitelist time.Duration

	// Retention is how long idle triples are kept. Default 30 days.
	Retention time.Duration

	// SweepInterval is how often the background sweep runs. Default 1
	// hour. Set negative to disable the background sweeper.
	SweepInterval time.Duration

	// Path of the bbolt database for persistence. Empty keeps the
	// store purely in memory.
	Path string

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Delay == 0 {
		c.Delay = 5 * time.Minute
	}
	if c.AutoWhitelist == 0 {
		c.AutoWhitelist = 7 * 24 * time.Hour
	}
	if c.Retention == 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Store is the shared greylist state.
type Store struct {
	config Config

	mu        sync.RWMutex
	entries   map[string]*Entry
	whitelist []ListEntry
	blacklist []ListEntry
	dirty     bool

	db   *boltBackend
	done chan struct{}
	wg   sync.WaitGroup
}

// NewStore creates a store, loading persisted state when a path is
// configured, and starts the background sweeper.
func NewStore(config Config) (*Store, error) {
	config = config.withDefaults()
	s := &Store{
		config:  config,
		entries: make(map[string]*Entry),
		done:    make(chan struct{}),
	}

	if config.Path != "" {
		db, err := openBolt(config.Path)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := db.load(s); err != nil {
			db.close()
			return nil, err
		}
	}

	if config.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s, nil
}

// Close stops the sweeper and flushes persistent state.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	if s.db == nil {
		return nil
	}
	if err := s.flush(); err != nil {
		return err
	}
	return s.db.close()
}

// Check applies the lookup order blacklist, whitelist, triple and
// records the attempt. The returned status maps directly to the
// decision: blacklisted rejects, whitelisted admits, greylisted defers.
func (s *Store) Check(sender, recipient, clientIP string) Status {
	now := timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()

	if matchList(s.blacklist, sender, now) {
		return StatusBlacklisted
	}
	if matchList(s.whitelist, sender, now) {
		return StatusWhitelisted
	}

	key := tripleKey(sender, recipient, clientIP)
	entry, ok := s.entries[key]
	if !ok {
		s.entries[key] = &Entry{
			Sender:    sender,
			Recipient: recipient,
			ClientIP:  clientIP,
			FirstSeen: now,
			LastSeen:  now,
			Attempts:  1,
			Status:    StatusGreylisted,
		}
		s.dirty = true
		return StatusGreylisted
	}

	entry.LastSeen = now
	entry.Attempts++
	s.dirty = true

	if entry.Status == StatusWhitelisted {
		return StatusWhitelisted
	}

	// A retry at or past the delay proves a real queueing MTA.
	if entry.Attempts >= 2 && now.Sub(entry.FirstSeen) >= s.config.Delay {
		entry.Status = StatusWhitelisted
		s.whitelist = append(s.whitelist, ListEntry{
			Pattern:   sender,
			AddedAt:   now,
			ExpiresAt: now.Add(s.config.AutoWhitelist),
			Reason:    "greylist retry",
		})
		return StatusWhitelisted
	}

	return StatusGreylisted
}

func matchList(list []ListEntry, address string, now time.Time) bool {
	for i := range list {
		if list[i].expired(now) {
			continue
		}
		if list[i].Matches(address) {
			return true
		}
	}
	return false
}

// Entry returns a copy of the tracked entry for a triple, if any.
func (s *Store) Entry(sender, recipient, clientIP string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[tripleKey(sender, recipient, clientIP)]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Whitelisted reports whether an active whitelist pattern covers the
// address, and returns the matching entry.
func (s *Store) Whitelisted(address string) (ListEntry, bool) {
	now := timeNow()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.whitelist {
		if !s.whitelist[i].expired(now) && s.whitelist[i].Matches(address) {
			return s.whitelist[i], true
		}
	}
	return ListEntry{}, false
}

// AddWhitelist adds a pattern to the whitelist. A zero expiry means
// the entry never expires.
func (s *Store) AddWhitelist(pattern, reason string, expiresAt time.Time) {
	s.addList(&s.whitelist, pattern, reason, expiresAt)
}

// AddBlacklist adds a pattern to the blacklist.
func (s *Store) AddBlacklist(pattern, reason string, expiresAt time.Time) {
	s.addList(&s.blacklist, pattern, reason, expiresAt)
}

func (s *Store) addList(list *[]ListEntry, pattern, reason string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = append(*list, ListEntry{
		Pattern:   pattern,
		AddedAt:   timeNow(),
		ExpiresAt: expiresAt,
		Reason:    reason,
	})
	s.dirty = true
}

// RemoveWhitelist removes every whitelist entry with the pattern.
func (s *Store) RemoveWhitelist(pattern string) {
	s.removeList(&s.whitelist, pattern)
}

// RemoveBlacklist removes every blacklist entry with the pattern.
func (s *Store) RemoveBlacklist(pattern string) {
	s.removeList(&s.blacklist, pattern)
}

func (s *Store) removeList(list *[]ListEntry, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := (*list)[:0]
	for _, e := range *list {
		if e.Pattern != pattern {
			kept = append(kept, e)
		}
	}
	*list = kept
	s.dirty = true
}

// Sweep purges triples idle past the retention window and expired
// list entries. It returns the number of removed items.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if now.Sub(entry.LastSeen) > s.config.Retention {
			delete(s.entries, key)
			removed++
		}
	}

	for _, list := range []*[]ListEntry{&s.whitelist, &s.blacklist} {
		kept := (*list)[:0]
		for _, e := range *list {
			if e.expired(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		*list = kept
	}

	if removed > 0 {
		s.dirty = true
	}
	return removed
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.Sweep(timeNow()); n > 0 {
				s.config.Logger.Debug("greylist sweep", "removed", n)
			}
			if err := s.flush(); err != nil {
				s.config.Logger.Error("greylist flush", "err", err)
			}
		}
	}
}

// flush writes a snapshot to the bolt backend if state changed. The
// snapshot is taken under the lock; the write happens outside it.
func (s *Store) flush() error {
	if s.db == nil {
		return nil
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	whitelist := append([]ListEntry(nil), s.whitelist...)
	blacklist := append([]ListEntry(nil), s.blacklist...)
	s.dirty = false
	s.mu.Unlock()

	return s.db.save(entries, whitelist, blacklist)
}
