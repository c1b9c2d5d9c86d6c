package db

import (
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/kindredhq/kindred/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// UserRepository reads participant profiles for sender rendering and device
// tokens for the notification dispatcher. Profile rows are owned elsewhere.
type UserRepository interface {
	FindUserProfileByID(id uuid.UUID) (*models.UserProfile, error)
	GetDeviceToken(userID uuid.UUID) (string, error)
}

type userRepo struct {
	DB *gorm.DB
}

func NewUserRepo(db *GormDB) UserRepository {
	return &userRepo{db.DB}
}

func (r *userRepo) FindUserProfileByID(id uuid.UUID) (*models.UserProfile, error) {
	var profile models.UserProfile
	if err := r.DB.Where("id = ?", id).First(&profile).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find user profile")
	}
	return &profile, nil
}

func (r *userRepo) GetDeviceToken(userID uuid.UUID) (string, error) {
	var profile models.UserProfile
	if err := r.DB.Select("device_token").Where("id = ?", userID).First(&profile).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", errors.Wrap(err, "get device token")
	}
	return profile.DeviceToken, nil
}
