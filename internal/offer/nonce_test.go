package offer

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryNonceSourceStrictlyIncreasing(t *testing.T) {
	src := NewMemoryNonceSource()
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		got, err := src.Next(ctx, testBorrower)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("nonce = %d, want %d", got, want)
		}
	}
}

func TestMemoryNonceSourceConcurrentUnique(t *testing.T) {
	src := NewMemoryNonceSource()

	const n = 64
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := src.Next(context.Background(), testBorrower)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if nonces[nonce] {
				t.Errorf("nonce %d handed out twice", nonce)
			}
			nonces[nonce] = true
		}()
	}
	wg.Wait()

	if len(nonces) != n {
		t.Fatalf("distinct nonces = %d, want %d", len(nonces), n)
	}
}

func TestMemoryNonceSourceIsolatesBorrowers(t *testing.T) {
	src := NewMemoryNonceSource()
	ctx := context.Background()

	if _, err := src.Next(ctx, testBorrower); err != nil {
		t.Fatalf("next: %v", err)
	}
	other, err := src.Next(ctx, otherBorrower)
	if err != nil {
		t.Fatalf("next other: %v", err)
	}
	if other != 1 {
		t.Fatalf("fresh borrower nonce = %d, want 1", other)
	}
}
