package ingest

import (
	"context"
	"sync"

	"wainbox/config"
	"wainbox/models"
	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Provider is the part of the provider API the pipeline consumes.
type Provider interface {
	FetchMedia(ctx context.Context, instance, messageID string) (*tools.MediaPayload, error)
	FindContacts(ctx context.Context, instance string) ([]tools.ProviderContact, error)
	FindMessages(ctx context.Context, instance, remoteJID string) ([]gjson.Result, error)
}

// ProviderSource hands out the provider client of a tenant.
type ProviderSource interface {
	ProviderFor(ctx context.Context, tenantID string) (Provider, error)
}

type cachedProvider struct {
	fingerprint string
	client      *tools.ProviderClient
}

// Providers builds one client per tenant from its WhatsAppConfig, falling
// back to the global provider settings. Clients sharing a base URL share a
// rate limiter.
type Providers struct {
	db       *gorm.DB
	defaults config.ProviderConfig

	mu       sync.Mutex
	clients  map[string]cachedProvider
	limiters map[string]*rate.Limiter
}

func NewProviders(database *gorm.DB, defaults config.ProviderConfig) *Providers {
	return &Providers{
		db:       database,
		defaults: defaults,
		clients:  map[string]cachedProvider{},
		limiters: map[string]*rate.Limiter{},
	}
}

func (p *Providers) ProviderFor(ctx context.Context, tenantID string) (Provider, error) {
	cfg, err := WhatsAppConfigFor(p.db, tenantID)
	if err != nil {
		return nil, err
	}

	opts := tools.ProviderOptions{
		BaseURL:            p.defaults.BaseURL,
		APIKey:             p.defaults.APIKey,
		InsecureSkipVerify: p.defaults.InsecureSkipVerify,
		Timeout:            p.defaults.Timeout(),
	}
	if cfg != nil {
		if cfg.BaseURL != "" {
			opts.BaseURL = cfg.BaseURL
			opts.InsecureSkipVerify = cfg.InsecureSkipVerify
		}
		if cfg.APIKey != "" {
			opts.APIKey = cfg.APIKey
		}
	}
	if opts.BaseURL == "" {
		return nil, ErrNoProvider
	}

	fingerprint := opts.BaseURL + "|" + opts.APIKey
	if opts.InsecureSkipVerify {
		fingerprint += "|insecure"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.clients[tenantID]; ok && cached.fingerprint == fingerprint {
		return cached.client, nil
	}
	opts.Limiter = p.limiterFor(opts.BaseURL)
	client := tools.NewProviderClient(opts)
	p.clients[tenantID] = cachedProvider{fingerprint: fingerprint, client: client}
	return client, nil
}

// limiterFor must be called with p.mu held.
func (p *Providers) limiterFor(baseURL string) *rate.Limiter {
	if p.defaults.RateLimit <= 0 {
		return nil
	}
	if l, ok := p.limiters[baseURL]; ok {
		return l
	}
	burst := p.defaults.RateBurst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(p.defaults.RateLimit), burst)
	p.limiters[baseURL] = l
	return l
}

// WhatsAppConfigFor loads the provider connection of a tenant, nil when
// the tenant has none.
func WhatsAppConfigFor(database *gorm.DB, tenantID string) (*models.WhatsAppConfig, error) {
	var cfg models.WhatsAppConfig
	err := database.Where("tenant_id = ?", tenantID).First(&cfg).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load whatsapp config of %s", tenantID)
	}
	return &cfg, nil
}
