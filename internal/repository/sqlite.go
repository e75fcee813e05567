package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes every transaction in this process. Separate
	// in-memory connections would see separate databases, and shared-cache
	// file connections fail read-then-write transactions with SQLITE_LOCKED
	// instead of waiting. The pragmas below are per connection, so the
	// connection is also kept open for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			cluster_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cluster_roleplays (
			cluster_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			roleplay_id TEXT NOT NULL,
			PRIMARY KEY (cluster_id, position),
			FOREIGN KEY (cluster_id) REFERENCES clusters(cluster_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			return_url TEXT NOT NULL,
			results_url TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			outcome TEXT,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (cluster_id) REFERENCES clusters(cluster_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(user_id, cluster_id, attempt)`,
		// At most one live session per (user, cluster).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live ON sessions(user_id, cluster_id)
			WHERE status IN ('pending', 'in_progress')`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			session_id TEXT PRIMARY KEY,
			target_url TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			generation INTEGER NOT NULL DEFAULT 1,
			last_error TEXT,
			next_retry_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			delivered_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			generation INTEGER NOT NULL DEFAULT 1,
			status_code INTEGER,
			error TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES deliveries(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_session ON delivery_attempts(session_id, attempt)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("deliveries", "generation", "ALTER TABLE deliveries ADD COLUMN generation INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	if err := s.ensureColumn("delivery_attempts", "generation", "ALTER TABLE delivery_attempts ADD COLUMN generation INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	found, err := s.hasColumn(tableName, columnName)
	if err != nil || found {
		return err
	}
	_, err = s.db.Exec(ddl)
	return err
}

// hasColumn closes its cursor before returning so the single connection is
// free for the ALTER that may follow.
func (s *SQLiteStore) hasColumn(tableName, columnName string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == columnName {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// UpsertCluster creates or replaces a cluster definition. changed is false when
// the stored definition already matches.
func (s *SQLiteStore) UpsertCluster(ctx context.Context, cluster *domain.Cluster) (bool, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()

	existing, err := getCluster(ctx, tx, cluster.ClusterID)
	if err != nil {
		return false, false, err
	}
	if existing != nil && existing.SameDefinition(*cluster) {
		*cluster = *existing
		return false, false, tx.Commit()
	}

	now := time.Now().UTC()
	created := existing == nil
	if created {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (cluster_id, name, type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			cluster.ClusterID, cluster.Name, cluster.Type, now, now); err != nil {
			return false, false, err
		}
		cluster.CreatedAt = now
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE clusters SET name = ?, type = ?, updated_at = ? WHERE cluster_id = ?`,
			cluster.Name, cluster.Type, now, cluster.ClusterID); err != nil {
			return false, false, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cluster_roleplays WHERE cluster_id = ?`, cluster.ClusterID); err != nil {
			return false, false, err
		}
		cluster.CreatedAt = existing.CreatedAt
	}
	for i, rp := range cluster.RoleplayIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cluster_roleplays (cluster_id, position, roleplay_id) VALUES (?, ?, ?)`,
			cluster.ClusterID, i, rp); err != nil {
			return false, false, err
		}
	}
	cluster.UpdatedAt = now
	if err := tx.Commit(); err != nil {
		return false, false, err
	}
	return true, created, nil
}

// GetCluster retrieves a cluster and its ordered roleplays.
func (s *SQLiteStore) GetCluster(ctx context.Context, clusterID string) (*domain.Cluster, error) {
	return getCluster(ctx, s.db, clusterID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getCluster(ctx context.Context, q querier, clusterID string) (*domain.Cluster, error) {
	var c domain.Cluster
	err := q.QueryRowContext(ctx,
		`SELECT cluster_id, name, type, created_at, updated_at FROM clusters WHERE cluster_id = ?`,
		clusterID).Scan(&c.ClusterID, &c.Name, &c.Type, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids, err := listRoleplays(ctx, q, clusterID)
	if err != nil {
		return nil, err
	}
	c.RoleplayIDs = ids
	return &c, nil
}

func listRoleplays(ctx context.Context, q querier, clusterID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT roleplay_id FROM cluster_roleplays WHERE cluster_id = ? ORDER BY position ASC`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListClusters lists every cluster ordered by id.
func (s *SQLiteStore) ListClusters(ctx context.Context) ([]domain.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster_id, name, type, created_at, updated_at FROM clusters ORDER BY cluster_id ASC`)
	if err != nil {
		return nil, err
	}
	var clusters []domain.Cluster
	for rows.Next() {
		var c domain.Cluster
		if err := rows.Scan(&c.ClusterID, &c.Name, &c.Type, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Roleplays are loaded after the cursor closes; the store holds one connection.
	for i := range clusters {
		ids, err := listRoleplays(ctx, s.db, clusters[i].ClusterID)
		if err != nil {
			return nil, err
		}
		clusters[i].RoleplayIDs = ids
	}
	return clusters, nil
}

const sessionColumns = `session_id, user_id, user_name, cluster_id, attempt, status, return_url, results_url, started_at, completed_at, outcome, updated_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var completedAt sql.NullTime
	var outcome sql.NullString
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.UserName, &sess.ClusterID, &sess.Attempt,
		&sess.Status, &sess.ReturnURL, &sess.ResultsURL, &sess.StartedAt, &completedAt, &outcome, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	if outcome.Valid && outcome.String != "" {
		sess.Outcome = json.RawMessage(outcome.String)
	}
	return &sess, nil
}

// FindOrCreateLiveSession returns the live session for the candidate's
// (user, cluster) pair, or inserts the candidate as the next attempt.
// The boolean reports whether a new session was created.
func (s *SQLiteStore) FindOrCreateLiveSession(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error) {
	for i := 0; i < 2; i++ {
		sess, created, err := s.findOrCreateLiveSession(ctx, candidate)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			// Another writer created the live session first; read it back.
			continue
		}
		return sess, created, err
	}
	return nil, false, fmt.Errorf("live session for %s/%s kept changing", candidate.UserID, candidate.ClusterID)
}

func (s *SQLiteStore) findOrCreateLiveSession(ctx context.Context, candidate *domain.Session) (*domain.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	live, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND cluster_id = ? AND status IN (?, ?)
		 ORDER BY attempt DESC LIMIT 1`,
		candidate.UserID, candidate.ClusterID, domain.SessionStatusPending, domain.SessionStatusInProgress))
	if err == nil {
		return live, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	var prev int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM sessions WHERE user_id = ? AND cluster_id = ?`,
		candidate.UserID, candidate.ClusterID).Scan(&prev); err != nil {
		return nil, false, err
	}

	sess := *candidate
	sess.Attempt = prev + 1
	if sess.Status == "" {
		sess.Status = domain.SessionStatusPending
	}
	sess.UpdatedAt = sess.StartedAt
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		sess.SessionID, sess.UserID, sess.UserName, sess.ClusterID, sess.Attempt, sess.Status,
		sess.ReturnURL, sess.ResultsURL, sess.StartedAt, sess.UpdatedAt); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &sess, true, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// TransitionSession moves a session to a new status. Terminal sessions are
// immutable; outcome is only recorded when non-empty.
func (s *SQLiteStore) TransitionSession(ctx context.Context, sessionID string, to domain.SessionStatus, outcome json.RawMessage, at time.Time) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current domain.SessionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, sessionID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindSessionNotFound, "session not found")
	}
	if err != nil {
		return nil, err
	}
	if !current.CanTransitionTo(to) {
		return nil, domain.NewError(domain.KindInvalidTransition,
			fmt.Sprintf("cannot move session from %s to %s", current, to))
	}

	var completedAt sql.NullTime
	if to.IsTerminal() {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = COALESCE(?, completed_at),
		 outcome = COALESCE(?, outcome), updated_at = ? WHERE session_id = ?`,
		to, completedAt, nullStringBytes(outcome), at, sessionID); err != nil {
		return nil, err
	}

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

const deliveryColumns = `session_id, target_url, status, attempts, generation, last_error, next_retry_at, created_at, updated_at, delivered_at`

func scanDelivery(row rowScanner) (*domain.Delivery, error) {
	var d domain.Delivery
	var lastError sql.NullString
	var nextRetryAt, deliveredAt sql.NullTime
	err := row.Scan(&d.SessionID, &d.TargetURL, &d.Status, &d.Attempts, &d.Generation, &lastError,
		&nextRetryAt, &d.CreatedAt, &d.UpdatedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		d.LastError = lastError.String
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		d.NextRetryAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

// CreateDelivery inserts a delivery unless one exists for the session.
// It reports whether a row was inserted.
func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *domain.Delivery) (bool, error) {
	if d.Generation < 1 {
		d.Generation = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, d.TargetURL, d.Status, d.Attempts, d.Generation, nullString(d.LastError),
		nullTime(d.NextRetryAt), d.CreatedAt, d.UpdatedAt, nullTime(d.DeliveredAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDelivery retrieves the delivery for a session.
func (s *SQLiteStore) GetDelivery(ctx context.Context, sessionID string) (*domain.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// UpdateDelivery persists the mutable delivery fields.
func (s *SQLiteStore) UpdateDelivery(ctx context.Context, d *domain.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?,
		 updated_at = ?, delivered_at = ? WHERE session_id = ?`,
		d.Status, d.Attempts, nullString(d.LastError), nullTime(d.NextRetryAt),
		d.UpdatedAt, nullTime(d.DeliveredAt), d.SessionID)
	return err
}

// ResetDelivery puts a permanently failed delivery back to pending with a
// fresh attempt budget under the next generation, so the attempt log of each
// run stays distinguishable. It reports whether a failed delivery was reset.
func (s *SQLiteStore) ResetDelivery(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempts = 0, generation = generation + 1,
		 last_error = NULL, next_retry_at = NULL, updated_at = ?
		 WHERE session_id = ? AND status = ?`,
		domain.DeliveryStatusPending, at, sessionID, domain.DeliveryStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDeliveries lists deliveries in a status, oldest update first.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE status = ? ORDER BY updated_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RecordDeliveryAttempt appends one attempt to the delivery log.
func (s *SQLiteStore) RecordDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	var statusCode sql.NullInt64
	if a.StatusCode != 0 {
		statusCode = sql.NullInt64{Int64: int64(a.StatusCode), Valid: true}
	}
	if a.Generation < 1 {
		a.Generation = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (session_id, attempt, generation, status_code, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Attempt, a.Generation, statusCode, nullString(a.Error), a.StartedAt, a.FinishedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		a.ID = id
	}
	return nil
}

// ListDeliveryAttempts returns the attempt log for a session in order.
func (s *SQLiteStore) ListDeliveryAttempts(ctx context.Context, sessionID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, attempt, generation, status_code, error, started_at, finished_at
		 FROM delivery_attempts WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var statusCode sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Attempt, &a.Generation, &statusCode, &errText, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		if statusCode.Valid {
			a.StatusCode = int(statusCode.Int64)
		}
		if errText.Valid {
			a.Error = errText.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
