package services

import (
	"context"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/kindredhq/kindred/db"
	"github.com/kindredhq/kindred/models"
)

// NotificationService delivers a push notification when a message lands in a
// conversation the recipient does not have open. Firebase Cloud Messaging.
type NotificationService struct {
	client   *messaging.Client
	userRepo db.UserRepository
	log      zerolog.Logger
}

func NewNotificationService(ctx context.Context, credentialsFile string, userRepo db.UserRepository, log zerolog.Logger) (*NotificationService, error) {
	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, errors.Wrap(err, "initializing firebase app")
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting messaging client")
	}
	return &NotificationService{
		client:   client,
		userRepo: userRepo,
		log:      log.With().Str("component", "notifications").Logger(),
	}, nil
}

// Notify sends the new-message notification to userID's device. Errors are
// logged and dropped; notification delivery is not correctness-critical.
func (s *NotificationService) Notify(userID uuid.UUID, msg models.Message) {
	token, err := s.userRepo.GetDeviceToken(userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("device token lookup failed")
		return
	}
	if token == "" {
		return
	}

	body := msg.Content
	if body == "" && msg.HasMedia() {
		body = "Sent you a " + msg.MediaType
	}

	_, err = s.client.Send(context.Background(), &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.SenderName(),
			Body:  body,
		},
		Data: map[string]string{
			"conversation_id": msg.ConversationID.String(),
			"message_id":      msg.ID,
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("push notification failed")
	}
}
