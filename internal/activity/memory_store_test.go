package activity

import (
	"context"
	"strings"
	"testing"
	"time"
)

func storedEvent(id string, category Category, at time.Time) *Event {
	return &Event{
		ID:        id,
		Category:  category,
		DedupeKey: string(category) + ":" + id,
		AgentID:   "agent-1",
		Borrower:  strings.ToLower(testBorrower.Hex()),
		LoanID:    42,
		CreatedAt: at,
	}
}

func TestMemoryStoreInsertDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)

	inserted, err := store.Insert(ctx, storedEvent("a", CategoryExecuted, at))
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.Insert(ctx, storedEvent("a", CategoryExecuted, at))
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate dedupe key reported as inserted")
	}

	events, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	if _, err := store.Insert(ctx, storedEvent("a", CategoryCreated, base)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Insert(ctx, storedEvent("b", CategoryExecuted, base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	other := storedEvent("c", CategoryExecuted, base.Add(2*time.Minute))
	other.AgentID = "agent-2"
	other.Borrower = strings.ToLower(otherBorrower.Hex())
	other.LoanID = 9
	if _, err := store.Insert(ctx, other); err != nil {
		t.Fatal(err)
	}

	events, err := store.List(ctx, ListFilter{Category: CategoryExecuted})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("category filter: got %d, want 2", len(events))
	}
	if events[0].ID != "c" || events[1].ID != "b" {
		t.Fatalf("newest-first order broken: %s, %s", events[0].ID, events[1].ID)
	}

	events, _ = store.List(ctx, ListFilter{AgentID: "agent-2"})
	if len(events) != 1 || events[0].ID != "c" {
		t.Fatalf("agent filter: %+v", events)
	}

	events, _ = store.List(ctx, ListFilter{Borrower: strings.ToLower(testBorrower.Hex()), LoanID: 42})
	if len(events) != 2 {
		t.Fatalf("borrower+loan filter: got %d, want 2", len(events))
	}

	events, _ = store.List(ctx, ListFilter{Before: base.Add(time.Minute)})
	if len(events) != 1 || events[0].ID != "a" {
		t.Fatalf("before filter: %+v", events)
	}

	events, _ = store.List(ctx, ListFilter{Limit: 1})
	if len(events) != 1 || events[0].ID != "c" {
		t.Fatalf("limit: %+v", events)
	}
}

func TestMemoryStoreHasCategory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	borrower := strings.ToLower(testBorrower.Hex())

	ok, err := store.HasCategory(ctx, borrower, CategoryDefaulted)
	if err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if _, err := store.Insert(ctx, storedEvent("d", CategoryDefaulted, time.Unix(1_700_000_000, 0))); err != nil {
		t.Fatal(err)
	}
	ok, _ = store.HasCategory(ctx, borrower, CategoryDefaulted)
	if !ok {
		t.Fatal("defaulted record not found")
	}
	ok, _ = store.HasCategory(ctx, strings.ToLower(otherBorrower.Hex()), CategoryDefaulted)
	if ok {
		t.Fatal("record attributed to wrong borrower")
	}
}

func TestMemoryStoreCursorIsMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := store.Cursor(ctx, "pool-main"); ok || err != nil {
		t.Fatalf("fresh facility: ok=%v err=%v", ok, err)
	}
	if err := store.CommitCursor(ctx, "pool-main", 150); err != nil {
		t.Fatal(err)
	}
	// Lower commits must not rewind the cursor.
	if err := store.CommitCursor(ctx, "pool-main", 120); err != nil {
		t.Fatal(err)
	}
	cursor, ok, err := store.Cursor(ctx, "pool-main")
	if err != nil || !ok {
		t.Fatalf("cursor: ok=%v err=%v", ok, err)
	}
	if cursor != 150 {
		t.Fatalf("cursor = %d, want 150", cursor)
	}
}

func TestMemoryStorePositionLinkFirstWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.PutPositionLink(ctx, &PositionLink{PositionID: 7, LoanID: 42, Borrower: "b", AgentID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutPositionLink(ctx, &PositionLink{PositionID: 7, LoanID: 99, Borrower: "x", AgentID: "agent-9"}); err != nil {
		t.Fatal(err)
	}
	link, ok, err := store.PositionLink(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("link: ok=%v err=%v", ok, err)
	}
	if link.LoanID != 42 || link.AgentID != "agent-1" {
		t.Fatalf("link rewritten: %+v", link)
	}
}
