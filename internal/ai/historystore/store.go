package historystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m2-sakai/remote-swe-agents-azure-sub000/internal/ai/conversation"
	_ "modernc.org/sqlite"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrItemNotFound    = errors.New("item not found")
)

const maxTitleLen = 200

// Store is a local SQLite-backed persistence layer for sessions and their conversation items.
//
// Items are append-only and ordered by seq_key. WAL is enabled so the HTTP surface can read
// history while a turn is writing.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return nil
}

// EnsureSession creates the session when it does not exist and returns the stored row.
func (s *Store) EnsureSession(ctx context.Context, in conversation.Session) (conversation.Session, error) {
	if err := s.ready(); err != nil {
		return conversation.Session{}, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return conversation.Session{}, errors.New("missing session id")
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, title, agent_status, instance_status, default_model, agent_profile,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING
`,
		id,
		truncateRunes(strings.TrimSpace(in.Title), maxTitleLen),
		string(conversation.NormalizeAgentStatus(string(in.AgentStatus))),
		string(conversation.NormalizeInstanceStatus(string(in.InstanceStatus))),
		strings.TrimSpace(in.DefaultModel),
		strings.TrimSpace(in.AgentProfile),
		now,
		now,
	); err != nil {
		return conversation.Session{}, err
	}
	got, err := s.GetSession(ctx, id)
	if err != nil {
		return conversation.Session{}, err
	}
	return *got, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*conversation.Session, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session id")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, title, agent_status, instance_status, default_model, agent_profile,
       created_at_unix_ms, updated_at_unix_ms
FROM sessions
WHERE session_id = ?
`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, status conversation.AgentStatus) ([]conversation.Session, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, title, agent_status, instance_status, default_model, agent_profile,
       created_at_unix_ms, updated_at_unix_ms
FROM sessions
WHERE agent_status = ?
ORDER BY updated_at_unix_ms DESC, session_id DESC
`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (conversation.Session, error) {
	var (
		sess                 conversation.Session
		agentStatus          string
		instanceStatus       string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.Title,
		&agentStatus,
		&instanceStatus,
		&sess.DefaultModel,
		&sess.AgentProfile,
		&createdAt,
		&updatedAt,
	); err != nil {
		return conversation.Session{}, err
	}
	sess.AgentStatus = conversation.NormalizeAgentStatus(agentStatus)
	sess.InstanceStatus = conversation.NormalizeInstanceStatus(instanceStatus)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return sess, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, sessionID string, status conversation.AgentStatus) error {
	return s.updateSessionColumn(ctx, sessionID, "agent_status", string(conversation.NormalizeAgentStatus(string(status))))
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, sessionID string, status conversation.InstanceStatus) error {
	return s.updateSessionColumn(ctx, sessionID, "instance_status", string(conversation.NormalizeInstanceStatus(string(status))))
}

func (s *Store) UpdateTitle(ctx context.Context, sessionID string, title string) error {
	title = strings.TrimSpace(title)
	if len([]rune(title)) > maxTitleLen {
		title = truncateRunes(title, maxTitleLen)
	}
	return s.updateSessionColumn(ctx, sessionID, "title", title)
}

func (s *Store) UpdateDefaultModel(ctx context.Context, sessionID string, model string) error {
	return s.updateSessionColumn(ctx, sessionID, "default_model", strings.TrimSpace(model))
}

func (s *Store) updateSessionColumn(ctx context.Context, sessionID string, column string, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session id")
	}
	switch column {
	case "agent_status", "instance_status", "title", "default_model":
	default:
		return fmt.Errorf("unsupported session column %q", column)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at_unix_ms = ? WHERE session_id = ?`,
		value, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// AppendItem inserts a single conversation item.
func (s *Store) AppendItem(ctx context.Context, item conversation.Item) error {
	return s.appendItems(ctx, item)
}

// AppendItemPair inserts a toolUse item and its toolResult item in one transaction.
func (s *Store) AppendItemPair(ctx context.Context, first conversation.Item, second conversation.Item) error {
	if first.SessionID != second.SessionID {
		return errors.New("paired items must belong to the same session")
	}
	if first.SeqKey >= second.SeqKey {
		return fmt.Errorf("paired items out of order: %s >= %s", first.SeqKey, second.SeqKey)
	}
	return s.appendItems(ctx, first, second)
}

func (s *Store) appendItems(ctx context.Context, items ...conversation.Item) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionID string
	for _, it := range items {
		if err := validateItem(it); err != nil {
			return err
		}
		content, err := conversation.MarshalBlocks(it.Content)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", it.SeqKey, err)
		}
		created := it.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		role := it.Role
		if role == "" {
			role = conversation.RoleForKind(it.Kind)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO items(
  session_id, seq_key, role, kind, content_json, token_count, model_override, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`,
			it.SessionID,
			it.SeqKey,
			string(role),
			string(it.Kind),
			string(content),
			clampTokens(it.TokenCount),
			strings.TrimSpace(it.ModelOverride),
			created.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert item %s: %w", it.SeqKey, err)
		}
		sessionID = it.SessionID
	}
	if sessionID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at_unix_ms = ? WHERE session_id = ?`, time.Now().UnixMilli(), sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func validateItem(it conversation.Item) error {
	if strings.TrimSpace(it.SessionID) == "" {
		return errors.New("item missing session id")
	}
	if strings.TrimSpace(it.SeqKey) == "" {
		return errors.New("item missing seq key")
	}
	switch it.Kind {
	case conversation.KindUserMessage, conversation.KindToolUse, conversation.KindToolResult, conversation.KindAssistant:
	default:
		return fmt.Errorf("invalid item kind %q", it.Kind)
	}
	return nil
}

// ListItems returns every item of the session ordered by seq_key.
func (s *Store) ListItems(ctx context.Context, sessionID string) ([]conversation.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, seq_key, role, kind, content_json, token_count, model_override, created_at_unix_ms
FROM items
WHERE session_id = ?
ORDER BY seq_key ASC
`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Item
	for rows.Next() {
		var (
			it        conversation.Item
			role      string
			kind      string
			content   string
			createdAt int64
		)
		if err := rows.Scan(&it.SessionID, &it.SeqKey, &role, &kind, &content, &it.TokenCount, &it.ModelOverride, &createdAt); err != nil {
			return nil, err
		}
		blocks, err := conversation.UnmarshalBlocks([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("decode item %s: %w", it.SeqKey, err)
		}
		it.Role = conversation.Role(role)
		it.Kind = conversation.Kind(kind)
		it.Content = blocks
		it.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpdateTokenCount backfills the token count of an item once the provider reports usage.
func (s *Store) UpdateTokenCount(ctx context.Context, sessionID string, seqKey string, count int) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE items SET token_count = ? WHERE session_id = ? AND seq_key = ?`,
		clampTokens(count), strings.TrimSpace(sessionID), strings.TrimSpace(seqKey))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrItemNotFound, sessionID, seqKey)
	}
	return nil
}

// LatestSeqKey returns the greatest seq_key stored across all sessions, or "" when empty.
func (s *Store) LatestSeqKey(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	var key sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq_key) FROM items`).Scan(&key); err != nil {
		return "", err
	}
	return key.String, nil
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
