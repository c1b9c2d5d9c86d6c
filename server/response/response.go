package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON writes the standard response envelope.
func JSON(c *gin.Context, message string, status int, data interface{}, err error) {
	responsedata := gin.H{
		"message": message,
		"data":    data,
		"status":  http.StatusText(status),
	}
	if err != nil {
		responsedata["error"] = err.Error()
	}
	c.JSON(status, responsedata)
}

// Success writes a 200 envelope.
func Success(c *gin.Context, message string, data interface{}) {
	JSON(c, message, http.StatusOK, data, nil)
}
