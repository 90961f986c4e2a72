/*
Package postgres provides a PostgreSQL implementation of loyalty.Store on pgx.

PURPOSE:
  Multi-writer store for running several API instances against one
  database. Unlike SQLite there is no global write lock, so isolation is
  built from explicit locks inside READ COMMITTED transactions.

LOCKING:
  LockUser:   pg_advisory_xact_lock(hashtextextended(user_id, 0))
              Serializes balance decisions per user; released on commit.
  GetReward:  SELECT ... FOR UPDATE on the reward row.
  Stock:      UPDATE ... WHERE stock >= qty, so stock can never go negative
              even if a caller skipped the read.
  Timeouts:   lock_timeout per transaction; a timeout, deadlock (40P01) or
              serialization failure (40001) becomes ErrConcurrentModification
              and the engine retries the whole transaction.

APPEND-ONLY ENFORCEMENT:
  A trigger rejects UPDATE and DELETE on ledger_entries.

SEE ALSO:
  - store/sqlite: Single-node implementation
  - loyalty/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/loyalty-engine/loyalty"
)

// Store implements loyalty.Store on a pgx connection pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ loyalty.Store = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, lockTimeout: 5 * time.Second}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS rewards (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		points_cost BIGINT NOT NULL CHECK (points_cost >= 0),
		stock BIGINT NOT NULL CHECK (stock >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'CANCELLED')),
		total_points BIGINT NOT NULL CHECK (total_points >= 0),
		comment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_user ON redemptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_redemptions_status ON redemptions(status);
	CREATE INDEX IF NOT EXISTS idx_redemptions_created_at ON redemptions(created_at);

	CREATE TABLE IF NOT EXISTS redemption_lines (
		id BIGSERIAL PRIMARY KEY,
		redemption_id BIGINT NOT NULL REFERENCES redemptions(id),
		reward_id BIGINT NOT NULL,
		reward_name TEXT NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity > 0),
		points_cost BIGINT NOT NULL,
		total_points BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemption_lines_redemption ON redemption_lines(redemption_id);

	CREATE TABLE IF NOT EXISTS redemption_status_changes (
		id TEXT PRIMARY KEY,
		seq BIGINT GENERATED ALWAYS AS IDENTITY,
		redemption_id BIGINT NOT NULL REFERENCES redemptions(id),
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemption_status_changes_redemption
		ON redemption_status_changes(redemption_id, seq);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		seq BIGINT GENERATED ALWAYS AS IDENTITY,
		user_id TEXT NOT NULL,
		order_id TEXT,
		reward_id BIGINT,
		redemption_id BIGINT REFERENCES redemptions(id),
		points BIGINT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('EARN', 'REDEEM', 'REFUND', 'ADJUST')),
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_earn_order
		ON ledger_entries(order_id) WHERE type = 'EARN';

	CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_entries is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries;
	CREATE TRIGGER ledger_entries_append_only
		BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset truncates every table (for demos and tests). TRUNCATE does not
// fire the row-level append-only trigger.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE ledger_entries, redemption_status_changes, redemption_lines, redemptions, rewards
		RESTART IDENTITY
	`)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx loyalty.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if s.lockTimeout > 0 {
		ms := s.lockTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
			return translate(err, "set lock timeout")
		}
	}

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(err, "commit")
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStore struct {
	q querier
}

var _ loyalty.Tx = (*txStore)(nil)

func (ts *txStore) LockUser(ctx context.Context, userID string) error {
	if _, err := ts.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", userID); err != nil {
		return translate(err, "lock user")
	}
	return nil
}

func (ts *txStore) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, ts.q, userID)
}

func (ts *txStore) AppendEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, order_id, reward_id, redemption_id, points, type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.OrderID, e.RewardID, e.RedemptionID, e.Points, string(e.Type), e.Reason, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && e.Type == loyalty.EntryEarn && e.OrderID != nil {
			return fmt.Errorf("%w: %s", loyalty.ErrDuplicateOrder, *e.OrderID)
		}
		return translate(err, "append ledger entry")
	}
	return nil
}

func (ts *txStore) HasOrderEntry(ctx context.Context, orderID string, t loyalty.EntryType) (bool, error) {
	var exists bool
	err := ts.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE order_id = $1 AND type = $2
		)
	`, orderID, string(t)).Scan(&exists)
	if err != nil {
		return false, translate(err, "check order entry")
	}
	return exists, nil
}

func (ts *txStore) GetReward(ctx context.Context, id int64) (*loyalty.Reward, error) {
	return getReward(ctx, ts.q, id, true)
}

func (ts *txStore) DecrementStock(ctx context.Context, id int64, qty int64) error {
	tag, err := ts.q.Exec(ctx,
		"UPDATE rewards SET stock = stock - $1, updated_at = now() WHERE id = $2 AND stock >= $1",
		qty, id)
	if err != nil {
		return translate(err, "decrement stock")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	reward, err := getReward(ctx, ts.q, id, false)
	if err != nil {
		return err
	}
	if reward == nil {
		return &loyalty.RewardNotFoundError{RewardID: id}
	}
	return &loyalty.InsufficientStockError{RewardID: id, Available: reward.Stock, Requested: qty}
}

func (ts *txStore) RestoreStock(ctx context.Context, id int64, qty int64) error {
	tag, err := ts.q.Exec(ctx,
		"UPDATE rewards SET stock = stock + $1, updated_at = now() WHERE id = $2", qty, id)
	if err != nil {
		return translate(err, "restore stock")
	}
	if tag.RowsAffected() == 0 {
		return &loyalty.RewardNotFoundError{RewardID: id}
	}
	return nil
}

func (ts *txStore) SaveReward(ctx context.Context, r loyalty.Reward) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	_, err := ts.q.Exec(ctx, `
		INSERT INTO rewards (id, name, points_cost, stock, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			points_cost = EXCLUDED.points_cost,
			stock = EXCLUDED.stock,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, r.ID, r.Name, r.PointsCost, r.Stock, r.Active, r.UpdatedAt)
	if err != nil {
		return translate(err, "save reward")
	}
	return nil
}

func (ts *txStore) InsertRedemption(ctx context.Context, r *loyalty.Redemption) error {
	err := ts.q.QueryRow(ctx, `
		INSERT INTO redemptions (user_id, status, total_points, comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, r.UserID, string(r.Status), r.TotalPoints, r.Comment, r.CreatedAt, r.UpdatedAt).Scan(&r.ID)
	if err != nil {
		return translate(err, "insert redemption")
	}

	for i := range r.Lines {
		l := &r.Lines[i]
		l.RedemptionID = r.ID
		err := ts.q.QueryRow(ctx, `
			INSERT INTO redemption_lines
			(redemption_id, reward_id, reward_name, quantity, points_cost, total_points)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, l.RedemptionID, l.RewardID, l.RewardName, l.Quantity, l.PointsCost, l.TotalPoints).Scan(&l.ID)
		if err != nil {
			return translate(err, "insert redemption line")
		}
	}
	return nil
}

func (ts *txStore) GetRedemptionForUpdate(ctx context.Context, id int64) (*loyalty.Redemption, error) {
	return loadRedemption(ctx, ts.q, id, true)
}

func (ts *txStore) UpdateRedemptionStatus(ctx context.Context, id int64, status loyalty.RedemptionStatus, comment string, at time.Time) error {
	tag, err := ts.q.Exec(ctx,
		"UPDATE redemptions SET status = $1, comment = $2, updated_at = $3 WHERE id = $4",
		string(status), comment, at, id)
	if err != nil {
		return translate(err, "update redemption status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", loyalty.ErrRedemptionNotFound, id)
	}
	return nil
}

func (ts *txStore) AppendStatusChange(ctx context.Context, c loyalty.StatusChange) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO redemption_status_changes
		(id, redemption_id, from_status, to_status, comment, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.RedemptionID, string(c.From), string(c.To), c.Comment, c.Actor, c.CreatedAt)
	if err != nil {
		return translate(err, "append status change")
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	return balance(ctx, s.pool, userID)
}

func (s *Store) GetReward(ctx context.Context, id int64) (*loyalty.Reward, error) {
	return getReward(ctx, s.pool, id, false)
}

func (s *Store) ListRewards(ctx context.Context) ([]loyalty.Reward, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, name, points_cost, stock, active, updated_at FROM rewards ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Reward
	for rows.Next() {
		var r loyalty.Reward
		if err := rows.Scan(&r.ID, &r.Name, &r.PointsCost, &r.Stock, &r.Active, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Entries(ctx context.Context, userID string) ([]loyalty.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, order_id, reward_id, redemption_id, points, type, reason, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY seq DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []loyalty.LedgerEntry
	for rows.Next() {
		var (
			e         loyalty.LedgerEntry
			entryType string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &e.RewardID, &e.RedemptionID,
			&e.Points, &entryType, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = loyalty.EntryType(entryType)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetRedemption(ctx context.Context, id int64) (*loyalty.Redemption, error) {
	return loadRedemption(ctx, s.pool, id, false)
}

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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.UserID != "" {
		where = append(where, "user_id = "+arg(q.UserID))
	}
	if q.Search != "" {
		where = append(where, "user_id ILIKE "+arg("%"+escapeLike(q.Search)+"%")+` ESCAPE '\'`)
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if q.MinPoints != nil {
		where = append(where, "total_points >= "+arg(*q.MinPoints))
	}
	if q.MaxPoints != nil {
		where = append(where, "total_points <= "+arg(*q.MaxPoints))
	}
	if q.DateFrom != nil {
		where = append(where, "created_at >= "+arg(*q.DateFrom))
	}
	if q.DateTo != nil {
		where = append(where, "created_at <= "+arg(*q.DateTo))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM redemptions"+clause, args...).Scan(&total); err != nil {
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
	limit := arg(q.Limit)
	offset := arg(q.Offset())
	query := fmt.Sprintf(`
		SELECT id, user_id, status, total_points, comment, created_at, updated_at
		FROM redemptions%s
		ORDER BY %s %s, id ASC
		LIMIT %s OFFSET %s
	`, clause, col, dir, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query redemptions: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (loyalty.Redemption, error) {
		return scanRedemption(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan redemptions: %w", err)
	}

	if err := attachLines(ctx, s.pool, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func balance(ctx context.Context, q querier, userID string) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx,
		"SELECT COALESCE(SUM(points), 0)::BIGINT FROM ledger_entries WHERE user_id = $1", userID,
	).Scan(&sum)
	if err != nil {
		return 0, translate(err, "sum ledger")
	}
	return sum, nil
}

func getReward(ctx context.Context, q querier, id int64, forUpdate bool) (*loyalty.Reward, error) {
	query := "SELECT id, name, points_cost, stock, active, updated_at FROM rewards WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var r loyalty.Reward
	err := q.QueryRow(ctx, query, id).Scan(&r.ID, &r.Name, &r.PointsCost, &r.Stock, &r.Active, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "get reward")
	}
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRedemption(row rowScanner) (loyalty.Redemption, error) {
	var (
		r      loyalty.Redemption
		status string
	)
	err := row.Scan(&r.ID, &r.UserID, &status, &r.TotalPoints, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	r.Status = loyalty.RedemptionStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, err
}

func loadRedemption(ctx context.Context, q querier, id int64, forUpdate bool) (*loyalty.Redemption, error) {
	query := `
		SELECT id, user_id, status, total_points, comment, created_at, updated_at
		FROM redemptions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	r, err := scanRedemption(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
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

	rows, err := q.Query(ctx, `
		SELECT id, redemption_id, from_status, to_status, comment, actor, created_at
		FROM redemption_status_changes
		WHERE redemption_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, translate(err, "get status history")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c        loyalty.StatusChange
			from, to string
		)
		if err := rows.Scan(&c.ID, &c.RedemptionID, &from, &to, &c.Comment, &c.Actor, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		c.From = loyalty.RedemptionStatus(from)
		c.To = loyalty.RedemptionStatus(to)
		c.CreatedAt = c.CreatedAt.UTC()
		r.History = append(r.History, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

func attachLines(ctx context.Context, q querier, items []loyalty.Redemption) error {
	if len(items) == 0 {
		return nil
	}
	index := make(map[int64]int, len(items))
	ids := make([]int64, len(items))
	for i, r := range items {
		index[r.ID] = i
		ids[i] = r.ID
	}

	rows, err := q.Query(ctx, `
		SELECT id, redemption_id, reward_id, reward_name, quantity, points_cost, total_points
		FROM redemption_lines
		WHERE redemption_id = ANY($1)
		ORDER BY redemption_id, id
	`, ids)
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

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// translate maps lock and serialization failures to
// loyalty.ErrConcurrentModification.
func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s: %v", loyalty.ErrConcurrentModification, op, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
