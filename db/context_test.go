package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDBtoContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	database, err := OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	r := gin.New()
	r.Use(SetDBtoContext(database))
	r.GET("/", func(c *gin.Context) {
		assert.Same(t, database, DBInstance(c))
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDBInstanceMissing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, DBInstance(c))
}

func TestPing(t *testing.T) {
	database, err := OpenMemory()
	require.NoError(t, err)

	assert.NoError(t, Ping(context.Background(), database))

	require.NoError(t, database.Close())
	assert.Error(t, Ping(context.Background(), database))
	assert.Error(t, Ping(context.Background(), nil))
}
