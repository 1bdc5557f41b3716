package activity

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"creditrail/internal/errors"
)

// MySQLStore persists the activity feed in MySQL. The unique index on the
// dedupe key carries the idempotency guarantee; the GREATEST upsert carries
// cursor monotonicity.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and ensures the activity schema exists.
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
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activity_events (
        id VARCHAR(36) PRIMARY KEY,
        category VARCHAR(32) NOT NULL,
        dedupe_key VARCHAR(191) NOT NULL,
        agent_id VARCHAR(64) NOT NULL DEFAULT '',
        borrower CHAR(42) NOT NULL DEFAULT '',
        loan_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
        tx_hash VARCHAR(66) NOT NULL DEFAULT '',
        block BIGINT UNSIGNED NOT NULL DEFAULT 0,
        log_index INT UNSIGNED NOT NULL DEFAULT 0,
        payload TEXT,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uniq_activity_dedupe (dedupe_key),
        INDEX idx_activity_borrower (borrower, category),
        INDEX idx_activity_agent (agent_id),
        INDEX idx_activity_loan (loan_id),
        INDEX idx_activity_created (created_at)
)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
        facility VARCHAR(64) PRIMARY KEY,
        last_block BIGINT UNSIGNED NOT NULL,
        updated_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS position_links (
        position_id BIGINT UNSIGNED PRIMARY KEY,
        loan_id BIGINT UNSIGNED NOT NULL,
        borrower CHAR(42) NOT NULL,
        agent_id VARCHAR(64) NOT NULL DEFAULT ''
)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(errors.CodeStorageFailure, err, "create activity schema")
		}
	}
	return nil
}

// Insert implements Store.
func (s *MySQLStore) Insert(ctx context.Context, event *Event) (bool, error) {
	if event == nil || event.DedupeKey == "" {
		return false, errors.New(CodeActivityMalformed, "event and dedupe key must be set")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	const stmt = `INSERT INTO activity_events
        (id, category, dedupe_key, agent_id, borrower, loan_id, tx_hash, block, log_index, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		string(event.Category),
		event.DedupeKey,
		event.AgentID,
		event.Borrower,
		event.LoanID,
		event.TxHash,
		event.Block,
		event.LogIndex,
		event.Payload,
		event.CreatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// Already recorded; the dedupe key did its job.
			return false, nil
		}
		return false, errors.Wrap(errors.CodeStorageFailure, err, "insert activity event")
	}
	return true, nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, filter ListFilter) ([]*Event, error) {
	filter.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Borrower != "" {
		clauses = append(clauses, "borrower = ?")
		args = append(args, strings.ToLower(filter.Borrower))
	}
	if filter.LoanID != 0 {
		clauses = append(clauses, "loan_id = ?")
		args = append(args, filter.LoanID)
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(filter.Category))
	}
	if !filter.Before.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, filter.Before.Unix())
	}

	stmt := `SELECT id, category, dedupe_key, agent_id, borrower, loan_id, tx_hash, block, log_index, payload, created_at
        FROM activity_events`
	if len(clauses) > 0 {
		stmt += " WHERE " + strings.Join(clauses, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "list activity events")
	}
	defer rows.Close()

	var results []*Event
	for rows.Next() {
		var (
			ev        Event
			category  string
			payload   sql.NullString
			createdAt int64
		)
		err := rows.Scan(&ev.ID, &category, &ev.DedupeKey, &ev.AgentID, &ev.Borrower,
			&ev.LoanID, &ev.TxHash, &ev.Block, &ev.LogIndex, &payload, &createdAt)
		if err != nil {
			return nil, errors.Wrap(errors.CodeStorageFailure, err, "scan activity row")
		}
		ev.Category = Category(category)
		ev.Payload = payload.String
		ev.CreatedAt = time.Unix(createdAt, 0)
		results = append(results, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "iterate activity rows")
	}
	return results, nil
}

// HasCategory implements Store.
func (s *MySQLStore) HasCategory(ctx context.Context, borrower string, category Category) (bool, error) {
	const stmt = `SELECT 1 FROM activity_events WHERE borrower = ? AND category = ? LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, stmt, strings.ToLower(borrower), string(category)).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.CodeStorageFailure, err, "check activity category")
	}
	return true, nil
}

// Cursor implements Store.
func (s *MySQLStore) Cursor(ctx context.Context, facility string) (uint64, bool, error) {
	const stmt = `SELECT last_block FROM sync_cursors WHERE facility = ?`

	var block uint64
	err := s.db.QueryRowContext(ctx, stmt, facility).Scan(&block)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(errors.CodeStorageFailure, err, "read sync cursor")
	}
	return block, true, nil
}

// CommitCursor implements Store. GREATEST keeps the cursor monotonic even if
// a stale writer ever reaches this statement.
func (s *MySQLStore) CommitCursor(ctx context.Context, facility string, block uint64) error {
	const stmt = `INSERT INTO sync_cursors (facility, last_block, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE last_block = GREATEST(last_block, VALUES(last_block)), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, facility, block, time.Now().Unix()); err != nil {
		return errors.Wrap(errors.CodeStorageFailure, err, "commit sync cursor")
	}
	return nil
}

// PutPositionLink implements Store.
func (s *MySQLStore) PutPositionLink(ctx context.Context, link *PositionLink) error {
	if link == nil {
		return errors.New(errors.CodeInvalidArgument, "position link must not be nil")
	}

	const stmt = `INSERT INTO position_links (position_id, loan_id, borrower, agent_id) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt, link.PositionID, link.LoanID, strings.ToLower(link.Borrower), link.AgentID)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return errors.Wrap(errors.CodeStorageFailure, err, "insert position link")
	}
	return nil
}

// PositionLink implements Store.
func (s *MySQLStore) PositionLink(ctx context.Context, positionID uint64) (*PositionLink, bool, error) {
	const stmt = `SELECT position_id, loan_id, borrower, agent_id FROM position_links WHERE position_id = ?`

	var link PositionLink
	err := s.db.QueryRowContext(ctx, stmt, positionID).Scan(&link.PositionID, &link.LoanID, &link.Borrower, &link.AgentID)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.CodeStorageFailure, err, "read position link")
	}
	return &link, true, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
