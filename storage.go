package gatekeeper

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Storage receives accepted messages. Store is called once per
// recipient with the full message data, headers already prepended; it
// returns the ID under which the message was filed. An error defers
// the whole transaction with a 451 reply.
type Storage interface {
	Store(ctx context.Context, recipient string, message []byte) (ulid.ULID, error)
}

// CredentialStore validates AUTH credentials. Verify returns nil when
// identity and password match a known account, ErrInvalidCredentials
// otherwise. Implementations should take constant time on mismatch.
type CredentialStore interface {
	Verify(ctx context.Context, identity, password string) error
}

// StoredMessage is one message filed in a MemoryStorage.
type StoredMessage struct {
	ID        ulid.ULID
	Recipient string
	Data      []byte
	StoredAt  time.Time
}

// MemoryStorage keeps accepted messages in memory. Useful for tests
// and as the default when no backend is configured.
type MemoryStorage struct {
	mu       sync.Mutex
	entropy  *ulid.MonotonicEntropy
	messages []StoredMessage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *MemoryStorage) Store(ctx context.Context, recipient string, message []byte) (ulid.ULID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeNow()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return ulid.ULID{}, err
	}
	data := make([]byte, len(message))
	copy(data, message)
	s.messages = append(s.messages, StoredMessage{ID: id, Recipient: recipient, Data: data, StoredAt: now})
	return id, nil
}

// Messages returns a snapshot of everything stored so far.
func (s *MemoryStorage) Messages() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// MemoryCredentials is a CredentialStore over a fixed identity to
// password map.
type MemoryCredentials struct {
	mu       sync.RWMutex
	accounts map[string]string
}

func NewMemoryCredentials(accounts map[string]string) *MemoryCredentials {
	m := make(map[string]string, len(accounts))
	for k, v := range accounts {
		m[k] = v
	}
	return &MemoryCredentials{accounts: m}
}

// Set adds or replaces an account.
func (c *MemoryCredentials) Set(identity, password string) {
	c.mu.Lock()
	c.accounts[identity] = password
	c.mu.Unlock()
}

func (c *MemoryCredentials) Verify(ctx context.Context, identity, password string) error {
	c.mu.RLock()
	want, found := c.accounts[identity]
	c.mu.RUnlock()
	// Compare even for unknown identities so timing does not reveal
	// which accounts exist.
	match := subtle.ConstantTimeCompare([]byte(password), []byte(want)) == 1
	if !found || !match {
		return ErrInvalidCredentials
	}
	return nil
}
