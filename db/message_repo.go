package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/kindredhq/kindred/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// messageHistoryLimit bounds a history load to recent messages; the visible
// list never needs the full archive in one query.
const messageHistoryLimit = 200

type MessageRepository interface {
	ListByConversation(conversationID uuid.UUID) ([]models.Message, error)
	SaveMessage(msg *models.Message) error
	MarkConversationRead(conversationID, readerID uuid.UUID) ([]string, error)
}

type messageRepo struct {
	DB *gorm.DB
}

func NewMessageRepo(db *GormDB) MessageRepository {
	return &messageRepo{db.DB}
}

func (r *messageRepo) ListByConversation(conversationID uuid.UUID) ([]models.Message, error) {
	var msgs []models.Message
	err := r.DB.
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(messageHistoryLimit).
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	// Query newest-first to apply the limit, serve oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveMessage persists msg and assigns the store id. The caller's temp id is
// never written; confirmation replaces it.
func (r *messageRepo) SaveMessage(msg *models.Message) error {
	if msg.ID == "" || models.IsTempMessageID(msg.ID) {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Pending = false
	if err := r.DB.Create(msg).Error; err != nil {
		return errors.Wrap(err, "save message")
	}
	return nil
}

// MarkConversationRead flags every unread message in the conversation that was
// not sent by readerID, returning the ids it touched.
func (r *messageRepo) MarkConversationRead(conversationID, readerID uuid.UUID) ([]string, error) {
	var ids []string
	err := r.DB.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "list unread messages")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = r.DB.Model(&models.Message{}).
		Where("id IN ?", ids).
		Update("is_read", true).Error
	if err != nil {
		return nil, errors.Wrap(err, "mark messages read")
	}
	return ids, nil
}
