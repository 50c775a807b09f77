// Package memory persists sessions, participants, chat messages and session
// memory in SQLite. It implements the domain collaborator interfaces the
// context builder reads from.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"roomchat/internal/domain"
)

// SQLiteStore implements domain.MemoryProvider, domain.ParticipantDirectory
// and domain.MessageLog.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ domain.MemoryProvider       = (*SQLiteStore)(nil)
	_ domain.ParticipantDirectory = (*SQLiteStore)(nil)
	_ domain.MessageLog           = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath, now: time.Now, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- sessions ---

// CreateSession stores sess, assigning an ID and timestamps when unset.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Name, toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
	)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession returns domain.ErrNotFound for unknown IDs.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Name, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt, sess.UpdatedAt = fromMillis(created), fromMillis(updated)
	return &sess, nil
}

// DeleteSession removes a session with its participants, messages and memory.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSessions returns sessions by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Name, &created, &updated); err != nil {
			return nil, err
		}
		sess.CreatedAt, sess.UpdatedAt = fromMillis(created), fromMillis(updated)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- participants ---

// UpsertParticipant adds p to the session or updates its name, role, status
// and preferences. JoinedAt is kept from the first join.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, sessionID string, p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		return domain.Participant{}, errors.New("participant id is required")
	}
	if p.Status == "" {
		p.Status = domain.StatusOnline
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.now()
	}
	prefs, err := marshalNullable(p.Preferences)
	if err != nil {
		return domain.Participant{}, err
	}

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return domain.Participant{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participants (session_id, id, name, role, status, preferences, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			status = excluded.status,
			preferences = excluded.preferences`,
		sessionID, p.ID, p.Name, string(p.Role), string(p.Status), prefs, toMillis(p.JoinedAt),
	)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("upsert participant: %w", err)
	}
	return s.getParticipant(ctx, sessionID, p.ID)
}

// SetParticipantStatus changes presence. Participants are never deleted; a
// leave is recorded as StatusOffline.
func (s *SQLiteStore) SetParticipantStatus(ctx context.Context, sessionID, participantID string, status domain.PresenceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET status = ? WHERE session_id = ? AND id = ?`,
		string(status), sessionID, participantID,
	)
	if err != nil {
		return fmt.Errorf("set participant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListParticipants returns participants in join order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, status, preferences, joined_at FROM participants
		 WHERE session_id = ? ORDER BY joined_at, rowid`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getParticipant(ctx context.Context, sessionID, id string) (domain.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, status, preferences, joined_at FROM participants
		 WHERE session_id = ? AND id = ?`, sessionID, id,
	)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrNotFound
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (domain.Participant, error) {
	var p domain.Participant
	var role, status string
	var prefs sql.NullString
	var joined int64
	if err := row.Scan(&p.ID, &p.Name, &role, &status, &prefs, &joined); err != nil {
		return domain.Participant{}, err
	}
	p.Role = domain.SenderRole(role)
	p.Status = domain.PresenceStatus(status)
	p.JoinedAt = fromMillis(joined)
	if prefs.Valid && prefs.String != "" {
		p.Preferences = &domain.Preferences{}
		if err := json.Unmarshal([]byte(prefs.String), p.Preferences); err != nil {
			return domain.Participant{}, fmt.Errorf("decode preferences of %s: %w", p.ID, err)
		}
	}
	return p, nil
}

// --- messages ---

// payload holds the type-specific message parts in one JSON column.
type payload struct {
	Voice *domain.VoicePayload `json:"voice,omitempty"`
	Image *domain.ImagePayload `json:"image,omitempty"`
	File  *domain.FilePayload  `json:"file,omitempty"`
	Code  *domain.CodePayload  `json:"code,omitempty"`
}

// AppendMessage stores msg and bumps the session's activity time. It assigns
// an ID and CreatedAt when unset.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}

	var pl any
	if msg.Voice != nil || msg.Image != nil || msg.File != nil || msg.Code != nil {
		pl = payload{Voice: msg.Voice, Image: msg.Image, File: msg.File, Code: msg.Code}
	}
	plJSON, err := marshalNullable(pl)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	var mentions any
	if len(msg.Mentions) > 0 {
		mentions = msg.Mentions
	}
	mentionsJSON, err := marshalNullable(mentions)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	var edited sql.NullInt64
	if msg.EditedAt != nil {
		edited = sql.NullInt64{Int64: toMillis(*msg.EditedAt), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		toMillis(msg.CreatedAt), msg.SessionID,
	)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ChatMessage{}, domain.ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender_id, sender_name, sender_role, type, content,
			payload, mentions, mentions_ai, reply_to, created_at, edited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.SenderName, string(msg.SenderRole), string(msg.Type), msg.Content,
		plJSON, mentionsJSON, msg.MentionsAI, msg.ReplyTo, toMillis(msg.CreatedAt), edited,
	)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender_id, sender_name, sender_role, type, content,
			payload, mentions, mentions_ai, reply_to, created_at, edited_at
		 FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages returns the number of messages stored for a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessage(row scanner) (domain.ChatMessage, error) {
	var m domain.ChatMessage
	var role, typ string
	var pl, mentions sql.NullString
	var created int64
	var edited sql.NullInt64
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderName, &role, &typ, &m.Content,
		&pl, &mentions, &m.MentionsAI, &m.ReplyTo, &created, &edited)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	m.SenderRole = domain.SenderRole(role)
	m.Type = domain.MessageType(typ)
	m.CreatedAt = fromMillis(created)
	if edited.Valid {
		t := fromMillis(edited.Int64)
		m.EditedAt = &t
	}
	if pl.Valid && pl.String != "" {
		var p payload
		if err := json.Unmarshal([]byte(pl.String), &p); err != nil {
			return domain.ChatMessage{}, fmt.Errorf("decode payload of %s: %w", m.ID, err)
		}
		m.Voice, m.Image, m.File, m.Code = p.Voice, p.Image, p.File, p.Code
	}
	if mentions.Valid && mentions.String != "" {
		if err := json.Unmarshal([]byte(mentions.String), &m.Mentions); err != nil {
			return domain.ChatMessage{}, fmt.Errorf("decode mentions of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

// --- session memory ---

// GetMemory returns nil without error when the session has no memory yet.
func (s *SQLiteStore) GetMemory(ctx context.Context, sessionID string) (*domain.SessionMemory, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM session_memory WHERE session_id = ?`, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	var mem domain.SessionMemory
	if err := json.Unmarshal([]byte(data), &mem); err != nil {
		return nil, fmt.Errorf("decode memory of %s: %w", sessionID, err)
	}
	return &mem, nil
}

// SaveMemory replaces the session's memory document.
func (s *SQLiteStore) SaveMemory(ctx context.Context, sessionID string, mem *domain.SessionMemory) error {
	if mem == nil {
		return errors.New("memory is nil")
	}
	now := s.now()
	mem.Metadata.UpdatedAt = now
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_memory (session_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, string(data), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// UpdateSummary records a history summary and the message count it covers,
// creating the memory document when needed.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, sessionID, summary string, messageCount int) error {
	mem, err := s.GetMemory(ctx, sessionID)
	if err != nil {
		return err
	}
	if mem == nil {
		mem = &domain.SessionMemory{}
	}
	mem.Metadata.Summary = summary
	mem.Metadata.MessageCount = messageCount
	return s.SaveMemory(ctx, sessionID, mem)
}

// --- stats ---

// Stats summarizes the store for the status command.
type Stats struct {
	Sessions     int       `json:"sessions"`
	Participants int       `json:"participants"`
	Messages     int       `json:"messages"`
	LastActivity time.Time `json:"lastActivity"`
	DBSize       int64     `json:"dbSize"`
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM sessions),
		(SELECT COUNT(*) FROM participants),
		(SELECT COUNT(*) FROM messages),
		(SELECT MAX(updated_at) FROM sessions)`,
	).Scan(&st.Sessions, &st.Participants, &st.Messages, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if last.Valid {
		st.LastActivity = fromMillis(last.Int64)
	}
	for _, f := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(f); err == nil {
			st.DBSize += fi.Size()
		}
	}
	return st, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *domain.Preferences:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Backup writes a consistent copy of the database to path, which must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}
