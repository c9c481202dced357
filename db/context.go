package db

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
)

const DB_CONTEXT_KEY = "wainbox.db"

const PING_TIMEOUT = 2 * time.Second

// SetDBtoContext injeta a conexão em cada request do gin.
func SetDBtoContext(database *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(DB_CONTEXT_KEY, database)
		c.Next()
	}
}

// DBInstance returns the connection set by SetDBtoContext, or nil.
func DBInstance(c *gin.Context) *gorm.DB {
	v, ok := c.Get(DB_CONTEXT_KEY)
	if !ok {
		return nil
	}
	database, _ := v.(*gorm.DB)
	return database
}

// Ping checks the connection pool with a short deadline.
func Ping(ctx context.Context, database *gorm.DB) error {
	if database == nil {
		return eris.New("db: no connection")
	}
	ctx, cancel := context.WithTimeout(ctx, PING_TIMEOUT)
	defer cancel()
	if err := database.DB().PingContext(ctx); err != nil {
		return eris.Wrap(err, "db: ping")
	}
	return nil
}
