package relay

import (
	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/session"
)

// HistoryOutput is a conversation's recent messages.
type HistoryOutput struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []session.Turn `json:"messages"`
	Count          int            `json:"count"`
}

// CreateConversation starts an empty conversation.
func (s *Service) CreateConversation() session.Info {
	id := s.sessions.Create()
	info, ok := s.sessions.Info(id)
	if !ok {
		// Swept between Create and Info; report what was created.
		now := s.clock.Now()
		return session.Info{ID: id, CreatedAt: now, LastActivityAt: now}
	}
	return info
}

// AppendMessage records a message on an existing conversation without
// calling the model.
func (s *Service) AppendMessage(id, role, content string) (session.Message, error) {
	if err := checkID(id); err != nil {
		return session.Message{}, err
	}
	text, err := s.cleanMessage(content)
	if err != nil {
		return session.Message{}, err
	}
	return s.sessions.Append(id, role, text)
}

// History returns up to limit recent messages, oldest first. A non-positive
// limit uses the configured history limit. Unknown conversations have an
// empty history.
func (s *Service) History(id string, limit int) (*HistoryOutput, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	msgs := s.sessions.History(id, limit)
	return &HistoryOutput{ConversationID: id, Messages: msgs, Count: len(msgs)}, nil
}

// Info returns conversation metadata.
func (s *Service) Info(id string) (session.Info, error) {
	if err := checkID(id); err != nil {
		return session.Info{}, err
	}
	info, ok := s.sessions.Info(id)
	if !ok {
		return session.Info{}, errors.NewNotFound(id)
	}
	return info, nil
}

// EndConversation deletes a conversation.
func (s *Service) EndConversation(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if !s.sessions.Delete(id) {
		return errors.NewNotFound(id)
	}
	return nil
}

// Transcript returns every retained message of a conversation with
// timestamps. It does not extend the conversation's lifetime.
func (s *Service) Transcript(id string) ([]session.Message, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	msgs, ok := s.sessions.Messages(id)
	if !ok {
		return nil, errors.NewNotFound(id)
	}
	return msgs, nil
}
