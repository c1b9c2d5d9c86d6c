package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kindredhq/kindred/db"
	"github.com/kindredhq/kindred/models"
	"github.com/kindredhq/kindred/realtime"
)

// ReadStateService marks inbound messages read when a conversation becomes
// active. Best-effort: a failed mark is logged and dropped, never surfaced,
// since the sender's view does not depend on it.
type ReadStateService interface {
	MarkRead(ctx context.Context, conversationID, readerID uuid.UUID)
}

type readStateService struct {
	messageRepo db.MessageRepository
	messages    MessageService
	publisher   Publisher
	log         zerolog.Logger
}

func NewReadStateService(messageRepo db.MessageRepository, messages MessageService, publisher Publisher, log zerolog.Logger) ReadStateService {
	return &readStateService{
		messageRepo: messageRepo,
		messages:    messages,
		publisher:   publisher,
		log:         log.With().Str("component", "read_state").Logger(),
	}
}

// MarkRead flags every unread message not sent by readerID, patches the local
// list, and publishes the flips so the sender's open view converges. A later
// push event for the same flip finds is_read already true and is a no-op.
func (s *readStateService) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID) {
	ids, err := s.messageRepo.MarkConversationRead(conversationID, readerID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("mark read failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	s.messages.MarkReadLocal(conversationID, ids)

	for _, id := range ids {
		record, err := json.Marshal(models.Message{
			ID:             id,
			ConversationID: conversationID,
			IsRead:         true,
		})
		if err != nil {
			continue
		}
		s.publisher.Publish(realtime.Event{
			Type:   realtime.EventUpdated,
			Table:  realtime.TableMessages,
			Filter: realtime.FilterConversation(conversationID.String()),
			Record: record,
		})
	}
}
