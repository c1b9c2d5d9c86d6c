package server

import (
	"fmt"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) setupRouter() *gin.Engine {
	ginMode := os.Getenv("GIN_MODE")
	if ginMode == "test" {
		r := gin.New()
		s.defineRoutes(r)
		return r
	}

	r := gin.New()
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if s.Config.AccessControlAllowOrigin != "" {
		corsConfig.AllowOrigins = []string{s.Config.AccessControlAllowOrigin}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	r.Use(cors.New(corsConfig))

	s.defineRoutes(r)
	return r
}

func (s *Server) defineRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	v1.Use(s.Authorize())
	{
		v1.GET("/conversations", s.ListConversationsHandler)
		v1.GET("/conversations/resolve/:relationshipID", s.ResolveConversationHandler)
		v1.POST("/conversations/:conversationID/open", s.OpenConversationHandler)
		v1.POST("/conversations/:conversationID/close", s.CloseConversationHandler)
		v1.GET("/conversations/:conversationID/messages", s.GetMessagesHandler)
		v1.POST("/conversations/:conversationID/messages", limitRateForSend(), s.SendMessageHandler)
		v1.PUT("/conversations/:conversationID/read", s.MarkReadHandler)
		v1.GET("/ws", s.RealtimeHandler)
		v1.POST("/auth/logout", s.LogoutHandler)
	}
}
