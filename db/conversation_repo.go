package db

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kindredhq/kindred/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ConversationRepository owns the conversations table. Only the resolver
// creates or deletes rows; message writes only bump last_message/updated_at.
type ConversationRepository interface {
	FindByRelationshipID(relationshipID uuid.UUID) ([]models.Conversation, error)
	FindConversationByID(id uuid.UUID) (*models.Conversation, error)
	CreateConversation(conv *models.Conversation) error
	DeleteConversation(id uuid.UUID) error
	ReassignMessages(from, to uuid.UUID) error
	UpdateConversationLastMessage(conversationID uuid.UUID, lastMessage string, updatedAt time.Time) error
	ListByRelationshipIDs(relationshipIDs []uuid.UUID) ([]models.Conversation, error)
	ListDuplicatedRelationshipIDs() ([]uuid.UUID, error)
}

type conversationRepo struct {
	DB *gorm.DB
}

func NewConversationRepo(db *GormDB) ConversationRepository {
	return &conversationRepo{db.DB}
}

func (r *conversationRepo) FindByRelationshipID(relationshipID uuid.UUID) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.DB.
		Where("relationship_id = ?", relationshipID).
		Order("created_at ASC").
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrap(err, "find conversations by relationship")
	}
	return convs, nil
}

func (r *conversationRepo) FindConversationByID(id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.DB.Where("id = ?", id).First(&conv).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find conversation")
	}
	return &conv, nil
}

func (r *conversationRepo) CreateConversation(conv *models.Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt
	if err := r.DB.Create(conv).Error; err != nil {
		if IsUniqueViolation(err) {
			return errors.Wrap(err, "conversation create conflict")
		}
		return errors.Wrap(err, "create conversation")
	}
	return nil
}

func (r *conversationRepo) DeleteConversation(id uuid.UUID) error {
	if err := r.DB.Where("id = ?", id).Delete(&models.Conversation{}).Error; err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	return nil
}

func (r *conversationRepo) ReassignMessages(from, to uuid.UUID) error {
	err := r.DB.Model(&models.Message{}).
		Where("conversation_id = ?", from).
		Update("conversation_id", to).Error
	if err != nil {
		return errors.Wrap(err, "reassign messages")
	}
	return nil
}

func (r *conversationRepo) UpdateConversationLastMessage(conversationID uuid.UUID, lastMessage string, updatedAt time.Time) error {
	err := r.DB.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{
			"last_message": lastMessage,
			"updated_at":   updatedAt,
		}).Error
	if err != nil {
		return errors.Wrap(err, "update conversation last message")
	}
	return nil
}

func (r *conversationRepo) ListByRelationshipIDs(relationshipIDs []uuid.UUID) ([]models.Conversation, error) {
	if len(relationshipIDs) == 0 {
		return nil, nil
	}
	var convs []models.Conversation
	err := r.DB.
		Where("relationship_id IN ?", relationshipIDs).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return convs, nil
}

// ListDuplicatedRelationshipIDs reports relationship ids that currently hold
// more than one conversation row, for the opportunistic repair sweep.
func (r *conversationRepo) ListDuplicatedRelationshipIDs() ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.DB.Model(&models.Conversation{}).
		Group("relationship_id").
		Having("COUNT(*) > 1").
		Pluck("relationship_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "list duplicated relationships")
	}
	return ids, nil
}

// IsUniqueViolation reports whether err came from the relationship_id unique
// index. gorm surfaces the postgres 23505 text; matching the message keeps the
// repo free of a driver-specific error type.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
