// Package handlers contains the HTTP handlers of the server itself.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HandleHealthCheck returns the basic health status of the service
func HandleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "framecast",
	})
}

// DBStatus returns a handler that pings db
func DBStatus(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"status": "error",
				"error":  "Failed to get database instance: " + err.Error(),
			})
			return
		}

		if err := sqlDB.Ping(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"status": "error",
				"error":  "Database ping failed: " + err.Error(),
			})
			return
		}

		stats := sqlDB.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":           "connected",
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
		})
	}
}
