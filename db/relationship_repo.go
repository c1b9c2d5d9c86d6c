package db

import (
	stderrors "errors"

	"github.com/google/uuid"
	errs "github.com/kindredhq/kindred/errors"
	"github.com/kindredhq/kindred/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// RelationshipRepository reads relationship rows owned by the matching
// subsystem. Nothing here mutates them.
type RelationshipRepository interface {
	FindRelationshipByID(id uuid.UUID) (*models.Relationship, error)
	ListAcceptedForUser(userID uuid.UUID) ([]models.Relationship, error)
}

type relationshipRepo struct {
	DB *gorm.DB
}

func NewRelationshipRepo(db *GormDB) RelationshipRepository {
	return &relationshipRepo{db.DB}
}

func (r *relationshipRepo) FindRelationshipByID(id uuid.UUID) (*models.Relationship, error) {
	var rel models.Relationship
	if err := r.DB.Where("id = ?", id).First(&rel).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRelationshipNotFound
		}
		return nil, errors.Wrap(err, "find relationship")
	}
	return &rel, nil
}

func (r *relationshipRepo) ListAcceptedForUser(userID uuid.UUID) ([]models.Relationship, error) {
	var rels []models.Relationship
	err := r.DB.
		Where("status = ?", models.RelationshipAccepted).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("created_at DESC").
		Find(&rels).Error
	if err != nil {
		return nil, errors.Wrap(err, "list relationships for user")
	}
	return rels, nil
}
