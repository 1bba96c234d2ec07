package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSessionTimeRemaining(t *testing.T) {
	now := time.Unix(1000, 0)
	s := Session{ExpiresAt: now.Add(90 * time.Second)}
	if got := s.TimeRemaining(now); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	if got := s.TimeRemaining(now.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("expected 0 after expiry, got %v", got)
	}
	if !s.Expired(now.Add(90 * time.Second)) {
		t.Fatalf("expected expired at deadline")
	}
	if (Session{}).Expired(now) {
		t.Fatalf("session without expiry should not expire")
	}
}

func TestItemLock(t *testing.T) {
	var it Item
	if it.Lock() != nil {
		t.Fatalf("expected no lock")
	}
	at := time.Unix(50, 0)
	it.LockHolder = "p1"
	it.LockAcquiredAt = &at
	l := it.Lock()
	if l == nil || l.Holder != "p1" || !l.AcquiredAt.Equal(at) {
		t.Fatalf("unexpected lock %+v", l)
	}
}

func TestNewChangeEncodesRows(t *testing.T) {
	it := Item{ID: "i1", SessionID: "s1", Content: "hello"}
	c, err := NewChange(TableItems, ChangeInsert, "s1", nil, it, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("new change: %v", err)
	}
	if c.Before != nil {
		t.Fatalf("expected empty before")
	}
	var got Item
	if err := json.Unmarshal(c.After, &got); err != nil {
		t.Fatalf("decode after: %v", err)
	}
	if got.ID != "i1" || got.Content != "hello" {
		t.Fatalf("unexpected item %+v", got)
	}
	if Topic(TableItems, "s1") != "huddle:items:s1" {
		t.Fatalf("unexpected topic %q", Topic(TableItems, "s1"))
	}
}
