package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SendSuccess writes a 200 envelope
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// SendBadRequest writes a 400 envelope
func SendBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message})
}

// SendUnauthorized writes a 401 envelope
func SendUnauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": message})
}

// SendInternalError writes a 500 envelope
func SendInternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": message})
}
