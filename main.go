package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindredhq/kindred/config"
	"github.com/kindredhq/kindred/db"
	"github.com/kindredhq/kindred/realtime"
	"github.com/kindredhq/kindred/server"
	"github.com/kindredhq/kindred/services"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if conf.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	gormDB := db.GetDB(conf)
	relationshipRepo := db.NewRelationshipRepo(gormDB)
	conversationRepo := db.NewConversationRepo(gormDB)
	messageRepo := db.NewMessageRepo(gormDB)
	userRepo := db.NewUserRepo(gormDB)

	hub := realtime.NewHub(logger)

	notifier, err := services.NewNotificationService(context.Background(), conf.FirebaseCredentialsFile, userRepo, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("push notifications disabled")
	}

	resolver := services.NewConversationResolver(relationshipRepo, conversationRepo, conf, logger)
	var dispatcher services.Notifier
	if notifier != nil {
		dispatcher = notifier
	}
	messageService := services.NewMessageService(messageRepo, conversationRepo, relationshipRepo, userRepo, hub, dispatcher, conf, logger)
	readStateService := services.NewReadStateService(messageRepo, messageService, hub, logger)

	maxBackoff := time.Duration(conf.PushBackoffMaxSeconds) * time.Second
	bridge := realtime.NewBridge(hub, messageService, maxBackoff, logger)

	// Duplicate conversations are safe to merge any time; sweep leftovers
	// from before the unique index on startup.
	go resolver.RepairAll(context.Background())

	s := &server.Server{
		Config:                 conf,
		Logger:                 logger,
		RelationshipRepository: relationshipRepo,
		ConversationRepository: conversationRepo,
		MessageRepository:      messageRepo,
		UserRepository:         userRepo,
		ConversationResolver:   resolver,
		MessageService:         messageService,
		ReadStateService:       readStateService,
		Hub:                    hub,
		Bridge:                 bridge,
		DB:                     gormDB,
	}
	s.Start()
}
