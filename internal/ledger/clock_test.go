package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubTimeReader struct {
	Reader

	reads     int
	chainTime time.Time
	err       error
}

func (r *stubTimeReader) CurrentTime(context.Context) (time.Time, error) {
	r.reads++
	if r.err != nil {
		return time.Time{}, r.err
	}
	return r.chainTime, nil
}

func TestClockCachesWithinTTL(t *testing.T) {
	reader := &stubTimeReader{chainTime: time.Unix(1_700_000_000, 0)}
	clock := NewClock(reader, time.Second)

	wall := time.Unix(0, 0)
	clock.now = func() time.Time { return wall }

	ctx := context.Background()
	for range 3 {
		ts, err := clock.Now(ctx)
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		if !ts.Equal(reader.chainTime) {
			t.Fatalf("ts = %v, want %v", ts, reader.chainTime)
		}
	}
	if reader.reads != 1 {
		t.Fatalf("reads = %d within TTL, want 1", reader.reads)
	}

	reader.chainTime = reader.chainTime.Add(12 * time.Second)
	wall = wall.Add(2 * time.Second)
	ts, err := clock.Now(ctx)
	if err != nil {
		t.Fatalf("Now after expiry: %v", err)
	}
	if !ts.Equal(reader.chainTime) {
		t.Fatalf("stale timestamp after TTL expiry: %v", ts)
	}
	if reader.reads != 2 {
		t.Fatalf("reads = %d after expiry, want 2", reader.reads)
	}
}

func TestClockClampsTTL(t *testing.T) {
	reader := &stubTimeReader{chainTime: time.Unix(1_700_000_000, 0)}
	clock := NewClock(reader, time.Minute)

	wall := time.Unix(0, 0)
	clock.now = func() time.Time { return wall }

	ctx := context.Background()
	if _, err := clock.Now(ctx); err != nil {
		t.Fatal(err)
	}
	// 6s is past the 5s cap even though one minute was requested.
	wall = wall.Add(6 * time.Second)
	if _, err := clock.Now(ctx); err != nil {
		t.Fatal(err)
	}
	if reader.reads != 2 {
		t.Fatalf("reads = %d, want 2 (TTL must be capped)", reader.reads)
	}
}

func TestClockPropagatesReadError(t *testing.T) {
	reader := &stubTimeReader{err: errors.New("node down")}
	clock := NewClock(reader, time.Second)

	if _, err := clock.Now(context.Background()); err == nil {
		t.Fatal("expected read error")
	}
}
