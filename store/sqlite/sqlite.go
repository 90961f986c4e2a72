/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Default single-node store. The ledger, the reward catalog mirror and
  redemptions share one database file, so a redemption's stock decrement,
  REDEEM entry and rows commit in one SQLite transaction.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries in this package
  - Triggers abort any UPDATE/DELETE on ledger_entries at the SQL level
  - Corrections are REFUND / ADJUST rows

KEY TABLES:
  ledger_entries:            Immutable point movements
  rewards:                   Catalog mirror (cost, stock, active)
  redemptions:               One row per redemption, status is the only mutable column
  redemption_lines:          Snapshot of reward name/cost per line
  redemption_status_changes: Audit trail of transitions

CONCURRENCY:
  Every transaction starts with BEGIN IMMEDIATE (_txlock=immediate), which
  takes the database write lock up front: two redemptions can never read
  the same balance and both spend it. The pool is limited to one
  connection; no Go mutex is held while SQLite does I/O. SQLITE_BUSY and
  SQLITE_LOCKED surface as loyalty.ErrConcurrentModification.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that string order is time
  order and range filters work with plain comparisons.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - store/postgres: Multi-writer implementation
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout is fixed width (always 9 fractional digits) so that
// lexicographic order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ loyalty.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps a ":memory:" database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		order_id TEXT,
		reward_id INTEGER,
		redemption_id INTEGER REFERENCES redemptions(id),
		points INTEGER NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('EARN', 'REDEEM', 'REFUND', 'ADJUST')),
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Balance (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON ledger_entries(user_id, created_at);

	-- An order earns points once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_earn_order
		ON ledger_entries(order_id) WHERE type = 'EARN';

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_redemption
		ON ledger_entries(redemption_id) WHERE redemption_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_entries is append-only');
	END;

	-- Reward catalog mirror; ids come from the catalog
	CREATE TABLE IF NOT EXISTS rewards (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		points_cost INTEGER NOT NULL CHECK (points_cost >= 0),
		stock INTEGER NOT NULL CHECK (stock >= 0),
		active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	-- Redemptions
	CREATE TABLE IF NOT EXISTS redemptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'CANCELLED')),
		total_points INTEGER NOT NULL CHECK (total_points >= 0),
		comment TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_user
		ON redemptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_redemptions_status
		ON redemptions(status);
	CREATE INDEX IF NOT EXISTS idx_redemptions_created_at
		ON redemptions(created_at);

	CREATE TABLE IF NOT EXISTS redemption_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		redemption_id INTEGER NOT NULL REFERENCES redemptions(id),
		reward_id INTEGER NOT NULL,
		reward_name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		points_cost INTEGER NOT NULL,
		total_points INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemption_lines_redemption
		ON redemption_lines(redemption_id);

	-- Status audit trail
	CREATE TABLE IF NOT EXISTS redemption_status_changes (
		id TEXT PRIMARY KEY,
		redemption_id INTEGER NOT NULL REFERENCES redemptions(id),
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemption_status_changes_redemption
		ON redemption_status_changes(redemption_id, created_at);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops and recreates every table (for demos and tests). It is the
// only code path that removes ledger rows.
func (s *Store) Reset(ctx context.Context) error {
	drop := `
		DROP TABLE IF EXISTS redemption_status_changes;
		DROP TABLE IF EXISTS ledger_entries;
		DROP TABLE IF EXISTS redemption_lines;
		DROP TABLE IF EXISTS redemptions;
		DROP TABLE IF EXISTS rewards;
	`
	if _, err := s.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	return s.migrate(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx loyalty.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translate(err, "commit")
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	q querier
}

var _ loyalty.Tx = (*txStore)(nil)

// LockUser is covered by BEGIN IMMEDIATE: the transaction already holds
// the database write lock.
func (ts *txStore) LockUser(context.Context, string) error { return nil }

func (ts *txStore) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, ts.q, userID)
}

func (ts *txStore) AppendEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, order_id, reward_id, redemption_id, points, type, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.UserID,
		e.OrderID,
		e.RewardID,
		e.RedemptionID,
		e.Points,
		string(e.Type),
		e.Reason,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && e.Type == loyalty.EntryEarn && e.OrderID != nil {
			return fmt.Errorf("%w: %s", loyalty.ErrDuplicateOrder, *e.OrderID)
		}
		return translate(err, "append ledger entry")
	}
	return nil
}

func (ts *txStore) HasOrderEntry(ctx context.Context, orderID string, t loyalty.EntryType) (bool, error) {
	var count int
	err := ts.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE order_id = ? AND type = ?",
		orderID, string(t),
	).Scan(&count)
	if err != nil {
		return false, translate(err, "check order entry")
	}
	return count > 0, nil
}

func (ts *txStore) GetReward(ctx context.Context, id int64) (*loyalty.Reward, error) {
	return getReward(ctx, ts.q, id)
}

func (ts *txStore) DecrementStock(ctx context.Context, id int64, qty int64) error {
	res, err := ts.q.ExecContext(ctx,
		"UPDATE rewards SET stock = stock - ?, updated_at = ? WHERE id = ? AND stock >= ?",
		qty, formatTime(time.Now()), id, qty,
	)
	if err != nil {
		return translate(err, "decrement stock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err, "decrement stock")
	}
	if n == 1 {
		return nil
	}

	reward, err := getReward(ctx, ts.q, id)
	if err != nil {
		return err
	}
	if reward == nil {
		return &loyalty.RewardNotFoundError{RewardID: id}
	}
	return &loyalty.InsufficientStockError{RewardID: id, Available: reward.Stock, Requested: qty}
}

func (ts *txStore) RestoreStock(ctx context.Context, id int64, qty int64) error {
	res, err := ts.q.ExecContext(ctx,
		"UPDATE rewards SET stock = stock + ?, updated_at = ? WHERE id = ?",
		qty, formatTime(time.Now()), id,
	)
	if err != nil {
		return translate(err, "restore stock")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &loyalty.RewardNotFoundError{RewardID: id}
	}
	return nil
}

func (ts *txStore) SaveReward(ctx context.Context, r loyalty.Reward) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO rewards (id, name, points_cost, stock, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			points_cost = excluded.points_cost,
			stock = excluded.stock,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, r.ID, r.Name, r.PointsCost, r.Stock, r.Active, formatTime(r.UpdatedAt))
	if err != nil {
		return translate(err, "save reward")
	}
	return nil
}

func (ts *txStore) InsertRedemption(ctx context.Context, r *loyalty.Redemption) error {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO redemptions (user_id, status, total_points, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.UserID, string(r.Status), r.TotalPoints, r.Comment, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return translate(err, "insert redemption")
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return translate(err, "insert redemption")
	}

	for i := range r.Lines {
		l := &r.Lines[i]
		l.RedemptionID = r.ID
		res, err := ts.q.ExecContext(ctx, `
			INSERT INTO redemption_lines
			(redemption_id, reward_id, reward_name, quantity, points_cost, total_points)
			VALUES (?, ?, ?, ?, ?, ?)
		`, l.RedemptionID, l.RewardID, l.RewardName, l.Quantity, l.PointsCost, l.TotalPoints)
		if err != nil {
			return translate(err, "insert redemption line")
		}
		if l.ID, err = res.LastInsertId(); err != nil {
			return translate(err, "insert redemption line")
		}
	}
	return nil
}

func (ts *txStore) GetRedemptionForUpdate(ctx context.Context, id int64) (*loyalty.Redemption, error) {
	return loadRedemption(ctx, ts.q, id)
}

func (ts *txStore) UpdateRedemptionStatus(ctx context.Context, id int64, status loyalty.RedemptionStatus, comment string, at time.Time) error {
	res, err := ts.q.ExecContext(ctx,
		"UPDATE redemptions SET status = ?, comment = ?, updated_at = ? WHERE id = ?",
		string(status), comment, formatTime(at), id,
	)
	if err != nil {
		return translate(err, "update redemption status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", loyalty.ErrRedemptionNotFound, id)
	}
	return nil
}

func (ts *txStore) AppendStatusChange(ctx context.Context, c loyalty.StatusChange) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO redemption_status_changes
		(id, redemption_id, from_status, to_status, comment, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.RedemptionID, string(c.From), string(c.To), c.Comment, c.Actor, formatTime(c.CreatedAt))
	if err != nil {
		return translate(err, "append status change")
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, s.db, userID)
}

func (s *Store) GetReward(ctx context.Context, id int64) (*loyalty.Reward, error) {
	return getReward(ctx, s.db, id)
}

func (s *Store) ListRewards(ctx context.Context) ([]loyalty.Reward, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, points_cost, stock, active, updated_at FROM rewards ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Entries(ctx context.Context, userID string) ([]loyalty.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, order_id, reward_id, redemption_id, points, type, reason, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []loyalty.LedgerEntry
	for rows.Next() {
		var (
			e            loyalty.LedgerEntry
			orderID      sql.NullString
			rewardID     sql.NullInt64
			redemptionID sql.NullInt64
			entryType    string
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &orderID, &rewardID, &redemptionID,
			&e.Points, &entryType, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = loyalty.EntryType(entryType)
		e.CreatedAt = parseTime(createdAt)
		if orderID.Valid {
			e.OrderID = &orderID.String
		}
		if rewardID.Valid {
			e.RewardID = &rewardID.Int64
		}
		if redemptionID.Valid {
			e.RedemptionID = &redemptionID.Int64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetRedemption(ctx context.Context, id int64) (*loyalty.Redemption, error) {
	return loadRedemption(ctx, s.db, id)
}

// sortColumns whitelists ORDER BY targets.
var sortColumns = map[string]string{
	"id":           "id",
	"user_id":      "user_id",
	"status":       "status",
	"total_points": "total_points",
	"created_at":   "created_at",
}

func (s *Store) ListRedemptions(ctx context.Context, q loyalty.RedemptionQuery) ([]loyalty.Redemption, int, error) {
	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Search != "" {
		where = append(where, `LOWER(user_id) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q.Search))+"%")
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.MinPoints != nil {
		where = append(where, "total_points >= ?")
		args = append(args, *q.MinPoints)
	}
	if q.MaxPoints != nil {
		where = append(where, "total_points <= ?")
		args = append(args, *q.MaxPoints)
	}
	if q.DateFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*q.DateFrom))
	}
	if q.DateTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*q.DateTo))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM redemptions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count redemptions: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	col, ok := sortColumns[q.SortField]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, status, total_points, comment, created_at, updated_at
		FROM redemptions%s
		ORDER BY %s %s, id ASC
		LIMIT ? OFFSET ?
	`, clause, col, dir)

	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query redemptions: %w", err)
	}
	var items []loyalty.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := attachLines(ctx, s.db, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func balance(ctx context.Context, q querier, userID string) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(points), 0) FROM ledger_entries WHERE user_id = ?", userID,
	).Scan(&sum)
	if err != nil {
		return 0, translate(err, "sum ledger")
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getReward(ctx context.Context, q querier, id int64) (*loyalty.Reward, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, name, points_cost, stock, active, updated_at FROM rewards WHERE id = ?", id)
	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "get reward")
	}
	return &r, nil
}

func scanReward(row rowScanner) (loyalty.Reward, error) {
	var (
		r         loyalty.Reward
		updatedAt string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.PointsCost, &r.Stock, &r.Active, &updatedAt); err != nil {
		return r, err
	}
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func scanRedemption(row rowScanner) (loyalty.Redemption, error) {
	var (
		r                    loyalty.Redemption
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.UserID, &status, &r.TotalPoints, &r.Comment, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	r.Status = loyalty.RedemptionStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// loadRedemption returns one redemption with lines and history, or nil.
func loadRedemption(ctx context.Context, q querier, id int64) (*loyalty.Redemption, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_points, comment, created_at, updated_at
		FROM redemptions WHERE id = ?
	`, id)
	r, err := scanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "get redemption")
	}

	items := []loyalty.Redemption{r}
	if err := attachLines(ctx, q, items); err != nil {
		return nil, err
	}
	r = items[0]

	rows, err := q.QueryContext(ctx, `
		SELECT id, redemption_id, from_status, to_status, comment, actor, created_at
		FROM redemption_status_changes
		WHERE redemption_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, translate(err, "get status history")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c            loyalty.StatusChange
			from, to, at string
		)
		if err := rows.Scan(&c.ID, &c.RedemptionID, &from, &to, &c.Comment, &c.Actor, &at); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		c.From = loyalty.RedemptionStatus(from)
		c.To = loyalty.RedemptionStatus(to)
		c.CreatedAt = parseTime(at)
		r.History = append(r.History, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

// attachLines loads the lines of every redemption in one query.
func attachLines(ctx context.Context, q querier, items []loyalty.Redemption) error {
	if len(items) == 0 {
		return nil
	}
	index := make(map[int64]int, len(items))
	placeholders := make([]string, len(items))
	args := make([]any, len(items))
	for i, r := range items {
		index[r.ID] = i
		placeholders[i] = "?"
		args[i] = r.ID
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, redemption_id, reward_id, reward_name, quantity, points_cost, total_points
		FROM redemption_lines
		WHERE redemption_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY redemption_id, id
	`, args...)
	if err != nil {
		return translate(err, "get redemption lines")
	}
	defer rows.Close()

	for rows.Next() {
		var l loyalty.RedemptionLine
		if err := rows.Scan(&l.ID, &l.RedemptionID, &l.RewardID, &l.RewardName,
			&l.Quantity, &l.PointsCost, &l.TotalPoints); err != nil {
			return fmt.Errorf("failed to scan redemption line: %w", err)
		}
		i := index[l.RedemptionID]
		items[i].Lines = append(items[i].Lines, l)
	}
	return rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// translate maps SQLite lock contention to loyalty.ErrConcurrentModification
// and wraps everything else with the failing operation.
func translate(err error, op string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %s: %v", loyalty.ErrConcurrentModification, op, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
