package store

import "testing"

func TestIncrCounterStartsAtOneAndIncreases(t *testing.T) {
	db := openTestDB(t)
	a, err := db.IncrCounter("mint_token_nonce")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != 1 {
		t.Fatalf("got %d, want 1", a)
	}
	b, err := db.IncrCounter("mint_token_nonce")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != 2 {
		t.Fatalf("got %d, want 2", b)
	}
}

func TestIncrCounterIsolatesIDs(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.IncrCounter("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := db.IncrCounter("b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected counter b to start independently at 1, got %d", v)
	}
}

func TestPeekCounterDoesNotMutate(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.IncrCounter("x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p1, err := db.PeekCounter("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := db.PeekCounter("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 != p2 || p1 != 1 {
		t.Fatalf("expected peek to be stable at 1, got %d then %d", p1, p2)
	}
}
