package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	dbpkg "wainbox/db"
	"wainbox/models"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []int64
}

func (d *recordingDispatcher) Dispatch(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return true
}

func (d *recordingDispatcher) IDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.ids...)
}

func newTestEngine(t *testing.T, secret string) (*gin.Engine, *gorm.DB, *recordingDispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := dbpkg.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	dispatcher := &recordingDispatcher{}
	receive := WebhookReceive(WebhookOptions{Dispatcher: dispatcher, Secret: secret, MaxBodyBytes: 1 << 20})

	r := gin.New()
	r.Use(dbpkg.SetDBtoContext(database))
	r.GET("/health", Health)
	r.POST("/", receive)
	r.POST("/:tenantId", receive)
	return r, database, dispatcher
}

func post(r *gin.Engine, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func countEvents(t *testing.T, database *gorm.DB) int {
	t.Helper()
	var n int
	require.NoError(t, database.Model(&models.Event{}).Count(&n).Error)
	return n
}

const upsertBody = `{"event":"MESSAGES_UPSERT","instance":"loja-7","data":{"key":{"id":"A1","remoteJid":"5511999990000@s.whatsapp.net"},"message":{"conversation":"oi"}}}`

func TestWebhookStoresAndDispatches(t *testing.T) {
	r, database, dispatcher := newTestEngine(t, "")

	w := post(r, "/tenant-7", upsertBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	var ev models.Event
	require.NoError(t, database.First(&ev).Error)
	assert.Equal(t, models.EVENT_TYPE_MESSAGES_UPSERT, ev.Type)
	assert.Equal(t, "loja-7", ev.Instance)
	assert.Equal(t, "tenant-7", ev.TenantHint)
	assert.Equal(t, models.EVENT_STATUS_RECEIVED, ev.Status)
	assert.Equal(t, upsertBody, ev.Payload)
	assert.Equal(t, []int64{ev.ID}, dispatcher.IDs())

	w = post(r, "/", upsertBody, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, countEvents(t, database))
}

func TestWebhookAcknowledgesWhatItIgnores(t *testing.T) {
	r, database, dispatcher := newTestEngine(t, "")

	for _, body := range []string{
		`{"event":`,
		`[1,2,3]`,
		``,
		`{"event":"presence.update","instance":"loja-7","data":{}}`,
		`{"instance":"loja-7"}`,
	} {
		w := post(r, "/tenant-7", body, nil)
		assert.Equal(t, http.StatusOK, w.Code, body)
		assert.JSONEq(t, `{"success":true}`, w.Body.String())
	}
	assert.Zero(t, countEvents(t, database))
	assert.Empty(t, dispatcher.IDs())
}

func TestWebhookStoreFailureIs500(t *testing.T) {
	r, database, dispatcher := newTestEngine(t, "")
	require.NoError(t, database.Close())

	w := post(r, "/", upsertBody, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, dispatcher.IDs())
}

func TestWebhookSignature(t *testing.T) {
	r, database, _ := newTestEngine(t, "s3cret")

	w := post(r, "/", upsertBody, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, "/", upsertBody, map[string]string{SIGNATURE_HEADER: "sha256=00ff"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, countEvents(t, database))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte(upsertBody))
	w = post(r, "/", upsertBody, map[string]string{SIGNATURE_HEADER: "sha256=" + hex.EncodeToString(mac.Sum(nil))})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, countEvents(t, database))
}

func TestVerifySignatureFormats(t *testing.T) {
	ok, reason := verifySignature("", []byte("x"), "k")
	assert.False(t, ok)
	assert.Contains(t, reason, "missing")

	ok, reason = verifySignature("md5=abc", []byte("x"), "k")
	assert.False(t, ok)
	assert.Contains(t, reason, "format")

	ok, reason = verifySignature("sha256=zz", []byte("x"), "k")
	assert.False(t, ok)
	assert.Contains(t, reason, "hex")
}

func TestHealth(t *testing.T) {
	r, database, _ := newTestEngine(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	require.NoError(t, database.Close())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
