package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	if err := s.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if b, ok, _ := s.Get(ctx, "k"); !ok || string(b) != "v" {
		t.Fatalf("get=%q ok=%v", b, ok)
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after ttl")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	type payload struct {
		A string `json:"a"`
	}
	if err := SetJSON(ctx, s, "p", payload{A: "x"}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out payload
	ok, err := GetJSON(ctx, s, "p", &out)
	if err != nil || !ok || out.A != "x" {
		t.Fatalf("ok=%v err=%v out=%+v", ok, err, out)
	}
	_ = s.Set(ctx, "bad", []byte("{"), 0)
	if ok, _ := GetJSON(ctx, s, "bad", &out); ok {
		t.Fatalf("corrupt entry should miss")
	}
	if _, found, _ := s.Get(ctx, "bad"); found {
		t.Fatalf("corrupt entry should be dropped")
	}
}
