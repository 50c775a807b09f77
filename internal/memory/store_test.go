package memory

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"roomchat/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "roomchat.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(t *testing.T, s *SQLiteStore) domain.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), domain.Session{Name: "design review"})
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := testSession(t, s)
	if sess.ID == "" || sess.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamps: %+v", sess)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "design review" || !got.CreatedAt.Equal(sess.CreatedAt.Truncate(time.Millisecond)) {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if _, err := s.CreateSession(ctx, domain.Session{ID: sess.ID, Name: "dup"}); err == nil {
		t.Fatal("expected duplicate id error")
	}

	list, err := s.ListSessions(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSessions = %v, %v", list, err)
	}
}

func TestParticipants_UpsertAndOffline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s)

	joined := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p, err := s.UpsertParticipant(ctx, sess.ID, domain.Participant{
		ID: "u1", Name: "Alice", Role: domain.RoleOwner, JoinedAt: joined,
		Preferences: &domain.Preferences{Language: "en", PreferredLanguages: []string{"go"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusOnline {
		t.Fatalf("default status = %q", p.Status)
	}
	if _, err := s.UpsertParticipant(ctx, sess.ID, domain.Participant{ID: "bot", Name: "Helper", Role: domain.RoleAI}); err != nil {
		t.Fatal(err)
	}

	// Rejoin with a new name keeps the original join time.
	p, err = s.UpsertParticipant(ctx, sess.ID, domain.Participant{ID: "u1", Name: "Alice B", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Alice B" || p.Role != domain.RoleAdmin || !p.JoinedAt.Equal(joined) {
		t.Fatalf("unexpected participant after rejoin: %+v", p)
	}
	if p.Preferences != nil {
		t.Fatalf("preferences should be replaced: %+v", p.Preferences)
	}

	if err := s.SetParticipantStatus(ctx, sess.ID, "u1", domain.StatusOffline); err != nil {
		t.Fatal(err)
	}
	if err := s.SetParticipantStatus(ctx, sess.ID, "ghost", domain.StatusOffline); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	ps, err := s.ListParticipants(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 || ps[0].ID != "u1" || ps[0].Status != domain.StatusOffline {
		t.Fatalf("participants = %+v", ps)
	}

	if _, err := s.UpsertParticipant(ctx, "missing", domain.Participant{ID: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMessages_RoundTripAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []domain.ChatMessage{
		{SessionID: sess.ID, SenderID: "u1", SenderName: "Alice", SenderRole: domain.RoleOwner,
			Type: domain.MessageText, Content: "hi @bob", Mentions: []string{"u2"}, CreatedAt: base},
		{SessionID: sess.ID, SenderID: "u2", SenderName: "Bob", SenderRole: domain.RoleMember,
			Type: domain.MessageCode, Content: "see this", Code: &domain.CodePayload{Language: "go", Code: "x := 1"},
			CreatedAt: base.Add(time.Second)},
		{SessionID: sess.ID, SenderID: "u2", SenderName: "Bob", SenderRole: domain.RoleMember,
			Type: domain.MessageVoice, Voice: &domain.VoicePayload{Transcript: "hello", Duration: 3},
			MentionsAI: true, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, m := range in {
		if _, err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.RecentMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Content != "hi @bob" || all[2].Type != domain.MessageVoice {
		t.Fatalf("unexpected order: %+v", all)
	}
	if !reflect.DeepEqual(all[0].Mentions, []string{"u2"}) {
		t.Errorf("mentions = %v", all[0].Mentions)
	}
	if all[1].Code == nil || all[1].Code.Code != "x := 1" {
		t.Errorf("code payload lost: %+v", all[1].Code)
	}
	if all[2].Voice == nil || all[2].Voice.Transcript != "hello" || !all[2].MentionsAI {
		t.Errorf("voice message lost fields: %+v", all[2])
	}
	if !all[1].CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("created_at = %v", all[1].CreatedAt)
	}

	last2, _ := s.RecentMessages(ctx, sess.ID, 2)
	if len(last2) != 2 || last2[0].SenderID != "u2" || last2[1].Type != domain.MessageVoice {
		t.Fatalf("limit should keep the newest, oldest first: %+v", last2)
	}

	n, err := s.CountMessages(ctx, sess.ID)
	if err != nil || n != 3 {
		t.Fatalf("CountMessages = %d, %v", n, err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if !got.UpdatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("session activity not bumped: %v", got.UpdatedAt)
	}
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	s := testStore(t)
	_, err := s.AppendMessage(context.Background(), domain.ChatMessage{SessionID: "nope", SenderID: "u1", Content: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s)

	mem, err := s.GetMemory(ctx, sess.ID)
	if err != nil || mem != nil {
		t.Fatalf("fresh session memory = %v, %v", mem, err)
	}

	if err := s.SaveMemory(ctx, sess.ID, &domain.SessionMemory{
		RecentTopics: []string{"caching"},
		Decisions:    []string{"use sqlite"},
		CodeSnippets: []domain.CodeSnippet{{Description: "init", Language: "go", Code: "func init() {}"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSummary(ctx, sess.ID, "they picked sqlite", 42); err != nil {
		t.Fatal(err)
	}

	mem, err = s.GetMemory(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mem.Metadata.Summary != "they picked sqlite" || mem.Metadata.MessageCount != 42 {
		t.Fatalf("metadata = %+v", mem.Metadata)
	}
	if len(mem.Decisions) != 1 || len(mem.CodeSnippets) != 1 {
		t.Fatalf("summary update lost memory: %+v", mem)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s)
	s.UpsertParticipant(ctx, sess.ID, domain.Participant{ID: "u1", Name: "Alice", Role: domain.RoleOwner})
	s.AppendMessage(ctx, domain.ChatMessage{SessionID: sess.ID, SenderID: "u1", SenderRole: domain.RoleOwner, Content: "x"})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Sessions != 1 || st.Participants != 1 || st.Messages != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.LastActivity.IsZero() || st.DBSize <= 0 {
		t.Fatalf("expected activity and size: %+v", st)
	}
}

func TestBackup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := testSession(t, s)
	if _, err := s.AppendMessage(ctx, domain.ChatMessage{SessionID: sess.ID, SenderID: "u1", Content: "hello"}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "copy.db")
	if err := s.Backup(ctx, path); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	copyStore, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	n, err := copyStore.CountMessages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("backup has %d messages, want 1", n)
	}

	if err := s.Backup(ctx, path); err == nil {
		t.Fatal("expected error when the target exists")
	}
}
