package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	dbpkg "wainbox/db"
	"wainbox/ingest"
	"wainbox/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const SIGNATURE_HEADER = "X-Hub-Signature-256"

// Dispatcher hands a stored event to the async processor.
type Dispatcher interface {
	Dispatch(eventID int64) bool
}

type WebhookOptions struct {
	Dispatcher Dispatcher
	// Secret enables the HMAC check when set.
	Secret       string
	MaxBodyBytes int64
}

// POST / e POST /:tenantId
//
// Responde 200 para tudo que foi aceito ou descartado de propósito; o
// provedor reenvia agressivamente qualquer outra resposta. Só uma falha
// ao gravar o evento vira 500.
func WebhookReceive(opts WebhookOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantHint := strings.TrimSpace(c.Param("tenantId"))
		log := zap.L().With(zap.String("tenant_hint", tenantHint))

		if opts.MaxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxBodyBytes)
		}
		raw, err := c.GetRawData()
		if err != nil {
			log.Warn("webhook: malformed payload", zap.String("reason", ingest.DROP_MALFORMED_PAYLOAD), zap.Error(err))
			respondReceived(c)
			return
		}

		if opts.Secret != "" {
			if ok, reason := verifySignature(c.GetHeader(SIGNATURE_HEADER), raw, opts.Secret); !ok {
				log.Warn("webhook: signature rejected", zap.String("reason", reason))
				RespondError(c, "forbidden: "+reason, http.StatusUnauthorized)
				return
			}
		}

		env, err := ingest.ParseEnvelope(raw)
		if err != nil {
			log.Warn("webhook: malformed payload", zap.String("reason", ingest.DROP_MALFORMED_PAYLOAD), zap.Error(err))
			respondReceived(c)
			return
		}
		if env.Event == "" {
			log.Debug("webhook: event ignored", zap.String("event", env.RawEvent), zap.String("instance", env.Instance))
			respondReceived(c)
			return
		}

		db := dbpkg.DBInstance(c)
		if db == nil {
			RespondError(c, "db não configurado no contexto", http.StatusInternalServerError)
			return
		}

		ev := models.Event{
			Type:       env.Event,
			Instance:   env.Instance,
			TenantHint: tenantHint,
			Payload:    string(raw),
			Status:     models.EVENT_STATUS_RECEIVED,
		}
		if err := db.Create(&ev).Error; err != nil {
			log.Error("webhook: store event", zap.String("event", env.Event), zap.Error(err))
			RespondError(c, "failed to store event", http.StatusInternalServerError)
			return
		}

		respondReceived(c)

		if opts.Dispatcher != nil {
			opts.Dispatcher.Dispatch(ev.ID)
		}
		log.Debug("webhook: event received",
			zap.Int64("event_id", ev.ID),
			zap.String("event", ev.Type),
			zap.String("instance", ev.Instance),
		)
	}
}

func respondReceived(c *gin.Context) {
	RespondSuccess(c, gin.H{"success": true})
}

// verifySignature checks "sha256=<hex>" against the HMAC of the raw body.
func verifySignature(header string, body []byte, secret string) (bool, string) {
	sig := strings.TrimSpace(header)
	if sig == "" {
		return false, "missing " + SIGNATURE_HEADER
	}
	if !strings.HasPrefix(sig, "sha256=") {
		return false, "invalid " + SIGNATURE_HEADER + " format"
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return false, "invalid signature hex"
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return false, "signature mismatch"
	}
	return true, ""
}

// GET /health
func Health(c *gin.Context) {
	if err := dbpkg.Ping(c.Request.Context(), dbpkg.DBInstance(c)); err != nil {
		zap.L().Warn("health: database unavailable", zap.Error(err))
		RespondError(c, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	RespondSuccess(c, gin.H{"status": "ok"})
}
