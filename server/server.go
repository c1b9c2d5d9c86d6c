package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindredhq/kindred/config"
	"github.com/kindredhq/kindred/db"
	"github.com/kindredhq/kindred/realtime"
	"github.com/kindredhq/kindred/services"
)

type Server struct {
	Config                 *config.Config
	Logger                 zerolog.Logger
	RelationshipRepository db.RelationshipRepository
	ConversationRepository db.ConversationRepository
	MessageRepository      db.MessageRepository
	UserRepository         db.UserRepository
	ConversationResolver   services.ConversationResolver
	MessageService         services.MessageService
	ReadStateService       services.ReadStateService
	Hub                    *realtime.Hub
	Bridge                 *realtime.Bridge
	DB                     *db.GormDB
}

func (s *Server) Start() {
	r := s.setupRouter()

	port := s.Config.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	go func() {
		s.Logger.Info().Int("port", port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	s.Logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("forced shutdown")
	}
}
