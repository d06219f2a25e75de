package gatekeeper

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	id1, err := s.Store(ctx, "alice@example.com", []byte("message one"))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	id2, err := s.Store(ctx, "bob@example.com", []byte("message two"))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if id1 == id2 {
		t.Error("ids must be unique")
	}
	if id2.Compare(id1) <= 0 {
		t.Error("ids must be monotonic")
	}

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Recipient != "alice@example.com" || string(msgs[0].Data) != "message one" {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
}

func TestMemoryStorageCopiesData(t *testing.T) {
	s := NewMemoryStorage()
	buf := []byte("original")
	if _, err := s.Store(context.Background(), "a@b.example", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'
	if got := string(s.Messages()[0].Data); got != "original" {
		t.Errorf("stored data aliased caller buffer: %q", got)
	}
}

func TestMemoryCredentials(t *testing.T) {
	c := NewMemoryCredentials(map[string]string{"alice": "secret"})
	ctx := context.Background()

	if err := c.Verify(ctx, "alice", "secret"); err != nil {
		t.Errorf("valid credentials refused: %v", err)
	}
	if err := c.Verify(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v", err)
	}
	if err := c.Verify(ctx, "mallory", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown identity: err = %v", err)
	}

	c.Set("bob", "hunter2")
	if err := c.Verify(ctx, "bob", "hunter2"); err != nil {
		t.Errorf("added account refused: %v", err)
	}
}
