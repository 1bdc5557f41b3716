package offer

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"creditrail/internal/errors"
)

// MySQLStore persists offers in MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and ensures the offers schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "mysql dsn must not be empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "open mysql connection")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "ping mysql")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreFromDB wraps an existing handle. The caller keeps ownership of
// the connection pool.
func NewMySQLStoreFromDB(db *sql.DB) (*MySQLStore, error) {
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS offers (
        id VARCHAR(36) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL DEFAULT '',
        borrower CHAR(42) NOT NULL,
        nonce BIGINT UNSIGNED NOT NULL,
        principal VARCHAR(78) NOT NULL,
        rate_bps INT UNSIGNED NOT NULL,
        due_at BIGINT UNSIGNED NOT NULL,
        issued_at BIGINT UNSIGNED NOT NULL,
        expires_at BIGINT UNSIGNED NOT NULL,
        action TINYINT UNSIGNED NOT NULL,
        metadata_hash CHAR(66) NOT NULL,
        signature VARBINARY(65) NOT NULL,
        status VARCHAR(16) NOT NULL,
        tx_hash VARCHAR(66) NOT NULL DEFAULT '',
        loan_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_offer_nonce (borrower, nonce),
        INDEX idx_offer_status (status),
        INDEX idx_offer_borrower (borrower),
        INDEX idx_offer_loan (loan_id),
        INDEX idx_offer_expiry (status, expires_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(errors.CodeStorageFailure, err, "create offers table")
	}
	return nil
}

const offerColumns = `id, agent_id, borrower, nonce, principal, rate_bps, due_at, issued_at, expires_at,
        action, metadata_hash, signature, status, tx_hash, loan_id, last_error, created_at, updated_at`

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, o *Offer) error {
	if o == nil {
		return errors.New(errors.CodeInvalidArgument, "offer must not be nil")
	}
	if o.ID == "" {
		return errors.New(errors.CodeInvalidArgument, "offer id must not be empty")
	}
	if o.Principal == nil {
		return errors.New(errors.CodeInvalidArgument, "offer principal must not be nil")
	}

	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	const stmt = `INSERT INTO offers (` + offerColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		o.ID,
		o.AgentID,
		strings.ToLower(o.Borrower.Hex()),
		o.Nonce,
		o.Principal.String(),
		o.RateBps,
		o.DueAt,
		o.IssuedAt,
		o.ExpiresAt,
		o.Action,
		hashHex(o.MetadataHash),
		o.Signature,
		string(o.Status),
		o.TxHash,
		o.LoanID,
		o.LastError,
		o.CreatedAt.Unix(),
		o.UpdatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return errors.Wrap(errors.CodeConflict, err, "offer nonce already issued for borrower")
		}
		return errors.Wrap(errors.CodeStorageFailure, err, "insert offer")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Offer, error) {
	const stmt = `SELECT ` + offerColumns + ` FROM offers WHERE id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, stmt, id))
}

// GetByNonce implements Store.
func (s *MySQLStore) GetByNonce(ctx context.Context, borrower common.Address, nonce uint64) (*Offer, error) {
	const stmt = `SELECT ` + offerColumns + ` FROM offers WHERE borrower = ? AND nonce = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, stmt, strings.ToLower(borrower.Hex()), nonce))
}

// GetByLoanID implements Store.
func (s *MySQLStore) GetByLoanID(ctx context.Context, loanID uint64) (*Offer, error) {
	if loanID == 0 {
		return nil, ErrNotFound
	}
	const stmt = `SELECT ` + offerColumns + ` FROM offers WHERE loan_id = ? LIMIT 1`
	return s.scanOne(s.db.QueryRowContext(ctx, stmt, loanID))
}

// Lock implements Store. The conditional update is the concurrency gate: two
// racing executions see exactly one row transition.
func (s *MySQLStore) Lock(ctx context.Context, id string) (*Offer, error) {
	const stmt = `UPDATE offers SET status = ?, last_error = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusExecuting,
		time.Now().Unix(),
		id,
		StatusIssued,
		StatusFailed,
	)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "lock offer")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "read affected rows")
	}
	if affected == 0 {
		o, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch o.Status {
		case StatusExecuting:
			return o, ErrLocked
		case StatusExpired:
			return o, ErrExpired
		default:
			return o, ErrTerminal
		}
	}
	return s.Get(ctx, id)
}

// MarkExecuted implements Store.
func (s *MySQLStore) MarkExecuted(ctx context.Context, id string, txHash string, loanID uint64) error {
	const stmt = `UPDATE offers SET status = ?, tx_hash = ?, loan_id = ?, last_error = '', updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusExecuted, txHash, loanID, time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(errors.CodeStorageFailure, err, "mark offer executed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed implements Store.
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	const stmt = `UPDATE offers SET status = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		time.Now().Unix(),
		id,
		StatusExecuted,
		StatusExpired,
	)
	if err != nil {
		return errors.Wrap(errors.CodeStorageFailure, err, "mark offer failed")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTerminal
	}
	return nil
}

// MarkExpired implements Store.
func (s *MySQLStore) MarkExpired(ctx context.Context, id string) error {
	const stmt = `UPDATE offers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusExpired, time.Now().Unix(), id, StatusIssued)
	if err != nil {
		return errors.Wrap(errors.CodeStorageFailure, err, "mark offer expired")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTerminal
	}
	return nil
}

// ExpireDue implements Store.
func (s *MySQLStore) ExpireDue(ctx context.Context, nowUnix uint64) ([]string, error) {
	const selectStmt = `SELECT id FROM offers WHERE status = ? AND expires_at <= ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, selectStmt, StatusIssued, nowUnix)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "query due offers")
	}
	defer rows.Close()

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.CodeStorageFailure, err, "scan offer id")
		}
		due = append(due, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "iterate due offers")
	}

	var expired []string
	for _, id := range due {
		// Re-check status in the update; a racing execution may have
		// locked the offer since the select.
		if err := s.MarkExpired(ctx, id); err != nil {
			if stdErrors.Is(err, ErrTerminal) || stdErrors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Offer, error) {
	opts.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	if opts.Borrower != nil {
		clauses = append(clauses, "borrower = ?")
		args = append(args, strings.ToLower(opts.Borrower.Hex()))
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !opts.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, opts.CreatedBefore.Unix())
	}

	stmt := `SELECT ` + offerColumns + ` FROM offers`
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "list offers")
	}
	defer rows.Close()

	var results []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "iterate offers")
	}
	return results, nil
}

// Stats implements Store.
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const stmt = `SELECT status, COUNT(*) FROM offers GROUP BY status`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return Stats{}, errors.Wrap(errors.CodeStorageFailure, err, "count offers")
	}
	defer rows.Close()

	stats := Stats{ByStatus: make(map[Status]int64)}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, errors.Wrap(errors.CodeStorageFailure, err, "scan offer counts")
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errors.Wrap(errors.CodeStorageFailure, err, "iterate offer counts")
	}
	return stats, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MySQLStore) scanOne(row *sql.Row) (*Offer, error) {
	o, err := scanOffer(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

func scanOffer(row rowScanner) (*Offer, error) {
	var (
		o            Offer
		borrower     string
		principal    string
		metadataHash string
		status       string
		lastError    sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&o.ID,
		&o.AgentID,
		&borrower,
		&o.Nonce,
		&principal,
		&o.RateBps,
		&o.DueAt,
		&o.IssuedAt,
		&o.ExpiresAt,
		&o.Action,
		&metadataHash,
		&o.Signature,
		&status,
		&o.TxHash,
		&o.LoanID,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "scan offer row")
	}

	o.Borrower = common.HexToAddress(borrower)
	value, ok := new(big.Int).SetString(principal, 10)
	if !ok {
		return nil, errors.New(errors.CodeStorageFailure, "malformed principal in offers row")
	}
	o.Principal = value
	o.MetadataHash = common.HexToHash(metadataHash)
	o.Status = Status(status)
	o.LastError = lastError.String
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	return &o, nil
}

func hashHex(h [32]byte) string {
	return common.Hash(h).Hex()
}

var _ Store = (*MySQLStore)(nil)
