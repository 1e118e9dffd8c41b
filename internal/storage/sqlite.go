package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding conversations and refinement runs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "wfstudio.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: writers serialize and :memory: stays a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Conversations ---

// SaveConversation replaces the stored state of h.ConversationID with h and
// wf in one transaction.
func (s *Store) SaveConversation(h conversation.History, wf *workflow.Workflow) error {
	if h.ConversationID == "" {
		return errors.New("conversation id is empty")
	}
	var wfJSON sql.NullString
	if wf != nil {
		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("encoding workflow: %w", err)
		}
		wfJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, schema_version, current_iteration, max_iterations, workflow_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			current_iteration = excluded.current_iteration,
			max_iterations = excluded.max_iterations,
			workflow_json = excluded.workflow_json,
			updated_at = excluded.updated_at`,
		h.ConversationID, h.SchemaVersion, h.CurrentIteration, h.MaxIterations, wfJSON,
		formatTime(h.CreatedAt), formatTime(h.UpdatedAt),
	); err != nil {
		return fmt.Errorf("saving conversation %s: %w", h.ConversationID, err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, h.ConversationID); err != nil {
		return fmt.Errorf("clearing messages of %s: %w", h.ConversationID, err)
	}
	for i, m := range h.Messages {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, position, id, sender, content, timestamp, is_loading, is_error, error_kind)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ConversationID, i, m.ID, string(m.Sender), m.Content, formatTime(m.Timestamp),
			m.IsLoading, m.IsError, string(m.ErrorKind),
		); err != nil {
			return fmt.Errorf("saving message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LoadConversation returns the stored conversation or ErrNotFound.
func (s *Store) LoadConversation(id string) (Conversation, error) {
	var (
		c                    Conversation
		wfJSON               sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT id, schema_version, current_iteration, max_iterations, workflow_json, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.History.ConversationID, &c.History.SchemaVersion, &c.History.CurrentIteration,
		&c.History.MaxIterations, &wfJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.History.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	if c.History.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Conversation{}, err
	}
	if wfJSON.Valid {
		var wf workflow.Workflow
		if err := json.Unmarshal([]byte(wfJSON.String), &wf); err != nil {
			return Conversation{}, fmt.Errorf("decoding workflow of %s: %w", id, err)
		}
		c.Workflow = &wf
	}

	rows, err := s.db.Query(`
		SELECT id, sender, content, timestamp, is_loading, is_error, error_kind
		FROM messages WHERE conversation_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	c.History.Messages = []conversation.Message{}
	for rows.Next() {
		var (
			m         conversation.Message
			sender    string
			ts        string
			errorKind string
		)
		if err := rows.Scan(&m.ID, &sender, &m.Content, &ts, &m.IsLoading, &m.IsError, &errorKind); err != nil {
			return Conversation{}, err
		}
		if m.Timestamp, err = parseTime("timestamp", ts); err != nil {
			return Conversation{}, err
		}
		m.Sender = conversation.Sender(sender)
		m.ErrorKind = conversation.ErrorKind(errorKind)
		c.History.Messages = append(c.History.Messages, m)
	}
	return c, rows.Err()
}

// ListConversations returns the most recently updated conversations first.
func (s *Store) ListConversations(limit int) ([]ConversationSummary, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.current_iteration, c.max_iterations, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c ORDER BY c.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var updatedAt string
		if err := rows.Scan(&cs.ID, &cs.CurrentIteration, &cs.MaxIterations, &updatedAt, &cs.Messages); err != nil {
			return nil, err
		}
		if cs.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}

// DeleteConversation removes a conversation and its messages. Runs are kept.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Runs ---

func (s *Store) SaveRun(r Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	trace := r.Trace
	if trace == nil {
		trace = []string{}
	}
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO refinement_runs (id, conversation_id, message_id, user_text, outcome, error_kind, error_message, trace, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.MessageID, r.UserText, r.Outcome, r.ErrorKind, r.ErrorMessage,
		string(traceJSON), r.DurationMs, formatTime(r.CreatedAt),
	)
	return err
}

const runColumns = `id, conversation_id, message_id, user_text, outcome, error_kind, error_message, trace, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r         Run
		trace     string
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.ConversationID, &r.MessageID, &r.UserText, &r.Outcome,
		&r.ErrorKind, &r.ErrorMessage, &trace, &r.DurationMs, &createdAt); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(trace), &r.Trace); err != nil {
		return Run{}, fmt.Errorf("decoding trace of run %s: %w", r.ID, err)
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return Run{}, err
	}
	r.CreatedAt = t
	return r, nil
}

func (s *Store) GetRun(id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM refinement_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// GetRecentRuns returns the newest runs first. An empty conversationID
// selects runs of every conversation.
func (s *Store) GetRecentRuns(conversationID string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM refinement_runs`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneRuns deletes runs created before cutoff and reports how many were removed.
func (s *Store) PruneRuns(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM refinement_runs WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
