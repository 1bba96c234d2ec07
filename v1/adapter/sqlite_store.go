package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

const (
	defaultSQLiteFile      = "huddle.db"
	defaultSQLiteOpTimeout = 5 * time.Second
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	expires_at       INTEGER NOT NULL DEFAULT 0,
	max_participants INTEGER NOT NULL DEFAULT 0,
	require_approval INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS participants (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	fingerprint     TEXT NOT NULL DEFAULT '',
	approved        INTEGER NOT NULL DEFAULT 0,
	last_active     INTEGER NOT NULL DEFAULT 0,
	disconnected_at INTEGER,
	contributions   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
CREATE TABLE IF NOT EXISTS items (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	author_id        TEXT NOT NULL,
	content          TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	lock_holder      TEXT,
	lock_acquired_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_items_session ON items(session_id);
`

// SQLiteStore implements Store on a SQLite database using the pure Go
// modernc.org/sqlite driver. Timestamps are stored as Unix nanoseconds.
type SQLiteStore struct {
	db      *sql.DB
	opts    storeOptions
	timeout time.Duration

	// serializes write+publish so per-row changes are announced in order
	mu sync.Mutex
}

// OpenSQLite opens (and migrates) the huddle database inside dataDir.
func OpenSQLite(dataDir string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, defaultSQLiteFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: newOptions(opts), timeout: defaultSQLiteOpTimeout}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ReadSession implements Store.ReadSession.
func (s *SQLiteStore) ReadSession(ctx context.Context, id string) (model.Session, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.readSession(ctx, id)
}

func (s *SQLiteStore) readSession(ctx context.Context, id string) (model.Session, error) {
	var (
		v        model.Session
		status   string
		expires  int64
		approval int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, expires_at, max_participants, require_approval FROM sessions WHERE id = ?`, id).
		Scan(&v.ID, &status, &expires, &v.MaxParticipants, &approval)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, notFound("session", id)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("read session: %w", err)
	}
	v.Status = model.SessionStatus(status)
	v.ExpiresAt = fromNanos(expires)
	v.RequireApproval = approval != 0
	return v, nil
}

// WriteSession implements Store.WriteSession.
func (s *SQLiteStore) WriteSession(ctx context.Context, v model.Session) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readSession(ctx, v.ID)
	existed := err == nil
	if err != nil && !isNotFound(err) {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, status, expires_at, max_participants, require_approval) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, expires_at = excluded.expires_at,
	max_participants = excluded.max_participants, require_approval = excluded.require_approval`,
		v.ID, string(v.Status), nanos(v.ExpiresAt), v.MaxParticipants, boolInt(v.RequireApproval))
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if existed {
		s.opts.publish(ctx, model.TableSessions, model.ChangeUpdate, v.ID, before, v)
	} else {
		s.opts.publish(ctx, model.TableSessions, model.ChangeInsert, v.ID, nil, v)
	}
	return nil
}

const participantColumns = `id, session_id, name, fingerprint, approved, last_active, disconnected_at, contributions`

func scanParticipant(r rowScanner) (model.Participant, error) {
	var (
		p            model.Participant
		approved     int
		lastActive   int64
		disconnected sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.SessionID, &p.Name, &p.Fingerprint, &approved, &lastActive, &disconnected, &p.Contributions); err != nil {
		return model.Participant{}, err
	}
	p.Approved = approved != 0
	p.LastActive = fromNanos(lastActive)
	p.DisconnectedAt = fromNullNanos(disconnected)
	return p, nil
}

// ReadParticipant implements Store.ReadParticipant.
func (s *SQLiteStore) ReadParticipant(ctx context.Context, id string) (model.Participant, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.readParticipant(ctx, id)
}

func (s *SQLiteStore) readParticipant(ctx context.Context, id string) (model.Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, notFound("participant", id)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("read participant: %w", err)
	}
	return p, nil
}

// WriteParticipant implements Store.WriteParticipant.
func (s *SQLiteStore) WriteParticipant(ctx context.Context, p model.Participant) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readParticipant(ctx, p.ID)
	existed := err == nil
	if err != nil && !isNotFound(err) {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id, name = excluded.name,
	fingerprint = excluded.fingerprint, approved = excluded.approved, last_active = excluded.last_active,
	disconnected_at = excluded.disconnected_at, contributions = excluded.contributions`,
		p.ID, p.SessionID, p.Name, p.Fingerprint, boolInt(p.Approved), nanos(p.LastActive), nullNanos(p.DisconnectedAt), p.Contributions)
	if err != nil {
		return fmt.Errorf("write participant: %w", err)
	}
	if existed {
		s.opts.publish(ctx, model.TableParticipants, model.ChangeUpdate, p.SessionID, before, p)
	} else {
		s.opts.publish(ctx, model.TableParticipants, model.ChangeInsert, p.SessionID, nil, p)
	}
	return nil
}

// ListParticipants implements Store.ListParticipants.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const itemColumns = `id, session_id, author_id, content, created_at, updated_at, lock_holder, lock_acquired_at`

func scanItem(r rowScanner) (model.Item, error) {
	var (
		it       model.Item
		created  int64
		updated  int64
		holder   sql.NullString
		acquired sql.NullInt64
	)
	if err := r.Scan(&it.ID, &it.SessionID, &it.AuthorID, &it.Content, &created, &updated, &holder, &acquired); err != nil {
		return model.Item{}, err
	}
	it.CreatedAt = fromNanos(created)
	it.UpdatedAt = fromNanos(updated)
	it.LockHolder = holder.String
	it.LockAcquiredAt = fromNullNanos(acquired)
	return it, nil
}

// ReadItem implements Store.ReadItem.
func (s *SQLiteStore) ReadItem(ctx context.Context, id string) (model.Item, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.readItem(ctx, id)
}

func (s *SQLiteStore) readItem(ctx context.Context, id string) (model.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, notFound("item", id)
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("read item: %w", err)
	}
	return it, nil
}

// WriteItem implements Store.WriteItem. Lock columns are only touched by the
// lock operations.
func (s *SQLiteStore) WriteItem(ctx context.Context, it model.Item) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readItem(ctx, it.ID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err == nil {
		return s.updateItem(ctx, before, it)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
		it.ID, it.SessionID, it.AuthorID, it.Content, nanos(it.CreatedAt), nanos(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	it.LockHolder, it.LockAcquiredAt = "", nil
	s.opts.publish(ctx, model.TableItems, model.ChangeInsert, it.SessionID, nil, it)
	return nil
}

// UpdateItem implements Store.UpdateItem.
func (s *SQLiteStore) UpdateItem(ctx context.Context, it model.Item) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readItem(ctx, it.ID)
	if err != nil {
		return err
	}
	return s.updateItem(ctx, before, it)
}

func (s *SQLiteStore) updateItem(ctx context.Context, before, it model.Item) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET session_id = ?, author_id = ?, content = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		it.SessionID, it.AuthorID, it.Content, nanos(it.CreatedAt), nanos(it.UpdatedAt), it.ID)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update item: %w", err)
	} else if n == 0 {
		return notFound("item", it.ID)
	}
	it.LockHolder, it.LockAcquiredAt = before.LockHolder, before.LockAcquiredAt
	s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, it.SessionID, before, it)
	return nil
}

// DeleteItem implements Store.DeleteItem.
func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readItem(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	s.opts.publish(ctx, model.TableItems, model.ChangeDelete, before.SessionID, before, nil)
	return nil
}

// ListItems implements Store.ListItems.
func (s *SQLiteStore) ListItems(ctx context.Context, sessionID string) ([]model.Item, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ReadLock implements LockStore.ReadLock.
func (s *SQLiteStore) ReadLock(ctx context.Context, itemID string) (*model.Lock, error) {
	it, err := s.ReadItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return it.Lock(), nil
}

// WriteLock implements LockStore.WriteLock. The WHERE clause carries the
// compare so separate processes sharing the file cannot both win.
func (s *SQLiteStore) WriteLock(ctx context.Context, itemID string, l model.Lock, prev *model.Lock) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readItem(ctx, itemID)
	if err != nil {
		return err
	}
	var res sql.Result
	if prev == nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE items SET lock_holder = ?, lock_acquired_at = ? WHERE id = ? AND (lock_holder IS NULL OR lock_acquired_at IS NULL)`,
			l.Holder, l.AcquiredAt.UnixNano(), itemID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE items SET lock_holder = ?, lock_acquired_at = ? WHERE id = ? AND lock_holder = ? AND lock_acquired_at = ?`,
			l.Holder, l.AcquiredAt.UnixNano(), itemID, prev.Holder, prev.AcquiredAt.UnixNano())
	}
	if err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	if n == 0 {
		return huddleerrors.Locked(model.HolderOf(before.Lock()))
	}
	after := before
	at := l.AcquiredAt.UTC()
	after.LockHolder, after.LockAcquiredAt = l.Holder, &at
	s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, after.SessionID, before, after)
	return nil
}

// ClearLock implements LockStore.ClearLock.
func (s *SQLiteStore) ClearLock(ctx context.Context, itemID, holder string, acquiredAt time.Time) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	before, err := s.readItem(ctx, itemID)
	if err != nil {
		return false, err
	}
	query := `UPDATE items SET lock_holder = NULL, lock_acquired_at = NULL WHERE id = ? AND lock_holder = ?`
	args := []any{itemID, holder}
	if !acquiredAt.IsZero() {
		query += ` AND lock_acquired_at = ?`
		args = append(args, acquiredAt.UnixNano())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("clear lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear lock: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	after := before
	after.LockHolder, after.LockAcquiredAt = "", nil
	s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, after.SessionID, before, after)
	return true, nil
}

// ListLocks implements LockStore.ListLocks.
func (s *SQLiteStore) ListLocks(ctx context.Context) (map[string]model.Lock, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lock_holder, lock_acquired_at FROM items WHERE lock_holder IS NOT NULL AND lock_acquired_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	out := make(map[string]model.Lock)
	for rows.Next() {
		var (
			id       string
			holder   string
			acquired int64
		)
		if err := rows.Scan(&id, &holder, &acquired); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out[id] = model.Lock{Holder: holder, AcquiredAt: time.Unix(0, acquired).UTC()}
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
