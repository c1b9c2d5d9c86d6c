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

// ResolveConversationHandler maps a relationship onto its canonical
// conversation, creating it on first access.
func (s *Server) ResolveConversationHandler(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.JSON(c, "", http.StatusUnauthorized, nil, errs.New("Unauthorized", http.StatusUnauthorized))
		return
	}

	relationshipID, err := uuid.Parse(c.Param("relationshipID"))
	if err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("invalid relationship id", http.StatusBadRequest))
		return
	}

	rel, err := s.RelationshipRepository.FindRelationshipByID(relationshipID)
	if err != nil {
		if stderrors.Is(err, errs.ErrRelationshipNotFound) {
			response.JSON(c, "", http.StatusNotFound, nil, errs.New("relationship not found", http.StatusNotFound))
			return
		}
		response.JSON(c, "", http.StatusInternalServerError, nil, errs.New("unable to resolve conversation", http.StatusInternalServerError))
		return
	}
	if !rel.Involves(userID) {
		response.JSON(c, "", http.StatusForbidden, nil, errs.New("not a participant", http.StatusForbidden))
		return
	}

	conv, err := s.ConversationResolver.Resolve(c.Request.Context(), relationshipID)
	if err != nil {
		switch {
		case stderrors.Is(err, errs.ErrRelationshipNotFound):
			response.JSON(c, "", http.StatusNotFound, nil, errs.New("relationship not found", http.StatusNotFound))
		default:
			response.JSON(c, "", http.StatusInternalServerError, nil, errs.New("unable to resolve conversation", http.StatusInternalServerError))
		}
		return
	}

	response.Success(c, "conversation resolved", conv)
}

// ListConversationsHandler returns the current user's conversations ordered by
// last activity.
func (s *Server) ListConversationsHandler(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.JSON(c, "", http.StatusUnauthorized, nil, errs.New("Unauthorized", http.StatusUnauthorized))
		return
	}

	force := c.Query("force") == "true"
	convs, err := s.ConversationResolver.ListForUser(c.Request.Context(), userID, force)
	if err != nil {
		response.JSON(c, "", http.StatusInternalServerError, nil, errs.New("unable to list conversations", http.StatusInternalServerError))
		return
	}
	response.Success(c, "conversations", convs)
}

// OpenConversationHandler marks the conversation active for this session:
// push events for it feed the visible list, inbound messages get marked read,
// and the event bridge starts watching it.
func (s *Server) OpenConversationHandler(c *gin.Context) {
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

	s.MessageService.SetSessionUser(userID)
	s.MessageService.SetActiveConversation(conversationID)
	s.Bridge.WatchConversation(conversationID)
	// Fire-and-forget; the request context ends with the response.
	go s.ReadStateService.MarkRead(context.Background(), conversationID, userID)

	response.Success(c, "conversation opened", nil)
}

// CloseConversationHandler tears the conversation's subscriptions down when
// its view closes.
func (s *Server) CloseConversationHandler(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("conversationID"))
	if err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("invalid conversation id", http.StatusBadRequest))
		return
	}

	s.Bridge.UnwatchConversation(conversationID)
	s.MessageService.SetActiveConversation(uuid.Nil)
	response.Success(c, "conversation closed", nil)
}

// LogoutHandler clears all session-scoped caches so the next sign-in never
// sees this user's conversation mappings.
func (s *Server) LogoutHandler(c *gin.Context) {
	s.Bridge.Reset()
	s.MessageService.Reset()
	s.ConversationResolver.Reset()
	response.Success(c, "logged out", nil)
}
