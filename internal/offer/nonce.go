package offer

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
)

// MemoryNonceSource allocates nonces from an in-memory counter per borrower.
type MemoryNonceSource struct {
	mu   sync.Mutex
	next map[common.Address]uint64
}

// NewMemoryNonceSource creates an empty MemoryNonceSource. Counters start at 1.
func NewMemoryNonceSource() *MemoryNonceSource {
	return &MemoryNonceSource{next: make(map[common.Address]uint64)}
}

// Next implements NonceSource.
func (m *MemoryNonceSource) Next(_ context.Context, borrower common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[borrower]++
	return m.next[borrower], nil
}

// MySQLNonceSource allocates nonces from a per-borrower counter row. The
// LAST_INSERT_ID trick makes the increment-and-read a single atomic statement,
// so concurrent allocations never hand out the same nonce.
type MySQLNonceSource struct {
	db *sql.DB
}

// NewMySQLNonceSource ensures the counter table exists.
func NewMySQLNonceSource(db *sql.DB) (*MySQLNonceSource, error) {
	const schema = `CREATE TABLE IF NOT EXISTS offer_nonces (
        borrower CHAR(42) PRIMARY KEY,
        next_nonce BIGINT UNSIGNED NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "create offer_nonces table")
	}
	return &MySQLNonceSource{db: db}, nil
}

// Next implements NonceSource.
func (s *MySQLNonceSource) Next(ctx context.Context, borrower common.Address) (uint64, error) {
	const stmt = `INSERT INTO offer_nonces (borrower, next_nonce) VALUES (?, LAST_INSERT_ID(1))
        ON DUPLICATE KEY UPDATE next_nonce = LAST_INSERT_ID(next_nonce + 1)`

	res, err := s.db.ExecContext(ctx, stmt, strings.ToLower(borrower.Hex()))
	if err != nil {
		return 0, errors.Wrap(errors.CodeStorageFailure, err, "allocate offer nonce")
	}
	nonce, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.CodeStorageFailure, err, "read allocated nonce")
	}
	return uint64(nonce), nil
}

var (
	_ NonceSource = (*MemoryNonceSource)(nil)
	_ NonceSource = (*MySQLNonceSource)(nil)
)
