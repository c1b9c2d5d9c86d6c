package server

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	errs "github.com/kindredhq/kindred/errors"
	"github.com/kindredhq/kindred/server/response"
)

type sendMessageRequest struct {
	Content   string `json:"content"`
	MediaType string `json:"media_type"`
	MediaURL  string `json:"media_url"`
}

// GetMessagesHandler loads the conversation's visible list: confirmed history
// plus pending optimistic messages. ?force=true bypasses the cooldown cache.
func (s *Server) GetMessagesHandler(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("conversationID"))
	if err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("invalid conversation id", http.StatusBadRequest))
		return
	}
	force := c.Query("force") == "true"

	// A dropped push subscription means the cooldown cache can be behind.
	if s.MessageService.FallbackPolling(conversationID) {
		force = true
	}

	msgs, err := s.MessageService.LoadHistory(c.Request.Context(), conversationID, force)
	if err != nil {
		response.JSON(c, "", http.StatusInternalServerError, nil, errs.New("unable to load messages", http.StatusInternalServerError))
		return
	}
	response.Success(c, "messages", msgs)
}

// SendMessageHandler persists a message for the current user; the optimistic
// echo has already happened inside the message store by the time the store
// write resolves.
func (s *Server) SendMessageHandler(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.JSON(c, "", http.StatusUnauthorized, nil, errs.New("Unauthorized", http.StatusUnauthorized))
		return
	}
	conversationID, err := uuid.Parse(c.Param("conversationID"))
	if err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("invalid conversation id", http.StatusBadRequest))
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("Invalid request body", http.StatusBadRequest))
		return
	}

	msg, err := s.MessageService.Send(c.Request.Context(), conversationID, userID, req.Content, req.MediaType, req.MediaURL)
	if err != nil {
		switch {
		case stderrors.Is(err, errs.ErrEmptyMessage):
			response.JSON(c, "", http.StatusBadRequest, nil, errs.New("message has no content", http.StatusBadRequest))
		case stderrors.Is(err, errs.ErrMessageTooLong):
			response.JSON(c, "", http.StatusBadRequest, nil, errs.New("message content too long", http.StatusBadRequest))
		default:
			response.JSON(c, "", http.StatusInternalServerError, nil, errs.New("failed to send message", http.StatusInternalServerError))
		}
		return
	}

	response.JSON(c, "message sent", http.StatusCreated, msg, nil)
}

// MarkReadHandler flags inbound messages read for the current user.
// Best-effort by contract: the handler acknowledges before the store write
// finishes, and failures are only logged.
func (s *Server) MarkReadHandler(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.JSON(c, "", http.StatusUnauthorized, nil, errs.New("Unauthorized", http.StatusUnauthorized))
		return
	}
	conversationID, err := uuid.Parse(c.Param("conversationID"))
	if err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("invalid conversation id", http.StatusBadRequest))
		return
	}

	go s.ReadStateService.MarkRead(context.Background(), conversationID, userID)
	response.JSON(c, "marking read", http.StatusAccepted, nil, nil)
}
