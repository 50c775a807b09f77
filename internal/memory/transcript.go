package memory

import (
	"context"
	"fmt"
	"io"
	"strings"

	"roomchat/internal/domain"
	"roomchat/internal/mention"

	"gopkg.in/yaml.v3"
)

// Transcript is a session written out as YAML, used to seed or replay rooms.
//
//	name: Sprint planning
//	participants:
//	  - {id: u1, name: Alice, role: owner}
//	memory:
//	  decisions: [Ship on Friday]
//	messages:
//	  - {senderId: u1, content: "@Bob can you review?"}
type Transcript struct {
	Name         string                `yaml:"name"`
	Participants []domain.Participant  `yaml:"participants"`
	Memory       *domain.SessionMemory `yaml:"memory,omitempty"`
	Messages     []domain.ChatMessage  `yaml:"messages"`
}

// LoadTranscript decodes and checks a YAML transcript. Every message sender
// must be a listed participant.
func LoadTranscript(r io.Reader) (*Transcript, error) {
	var t Transcript
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}

	var errs []string
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, "name is required")
	}
	known := make(map[string]bool, len(t.Participants))
	for i, p := range t.Participants {
		if p.ID == "" || p.Name == "" {
			errs = append(errs, fmt.Sprintf("participants[%d]: id and name are required", i))
		}
		known[p.ID] = true
	}
	for i, m := range t.Messages {
		if !known[m.SenderID] {
			errs = append(errs, fmt.Sprintf("messages[%d]: unknown sender %q", i, m.SenderID))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid transcript:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return &t, nil
}

// ImportTranscript creates a new session from t. Sender names, roles and
// mentions are filled in from the participant list. A failed import leaves
// no session behind.
func (s *SQLiteStore) ImportTranscript(ctx context.Context, t *Transcript) (domain.Session, error) {
	sess, err := s.CreateSession(ctx, domain.Session{Name: t.Name})
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.importInto(ctx, sess.ID, t); err != nil {
		if derr := s.DeleteSession(context.WithoutCancel(ctx), sess.ID); derr != nil {
			s.logger.Warn("partial import left behind", "session", sess.ID, "err", derr)
		}
		return domain.Session{}, err
	}

	s.logger.Info("transcript imported",
		"session", sess.ID,
		"participants", len(t.Participants),
		"messages", len(t.Messages),
	)
	return sess, nil
}

func (s *SQLiteStore) importInto(ctx context.Context, sessionID string, t *Transcript) error {
	byID := make(map[string]domain.Participant, len(t.Participants))
	for _, p := range t.Participants {
		if p.Role == "" {
			p.Role = domain.RoleMember
		}
		stored, err := s.UpsertParticipant(ctx, sessionID, p)
		if err != nil {
			return fmt.Errorf("participant %s: %w", p.ID, err)
		}
		byID[stored.ID] = stored
	}

	for i, m := range t.Messages {
		sender := byID[m.SenderID]
		m.ID = ""
		m.SessionID = sessionID
		m.SenderName = sender.Name
		m.SenderRole = sender.Role
		if len(m.Mentions) == 0 && !m.MentionsAI {
			found := mention.Parse(m.Content, t.Participants)
			m.Mentions, m.MentionsAI = found.Users, found.HasAI
		}
		if _, err := s.AppendMessage(ctx, m); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	if t.Memory != nil {
		if err := s.SaveMemory(ctx, sessionID, t.Memory); err != nil {
			return err
		}
	}
	return nil
}
