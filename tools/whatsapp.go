package tools

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const PROVIDER_DEFAULT_TIMEOUT = 30 * time.Second

// ProviderOptions configures one client of the WhatsApp provider API
// (Evolution-style, one instance per connected number).
type ProviderOptions struct {
	BaseURL string
	APIKey  string
	// TLS verification is per client. Never touch the process-wide transport.
	InsecureSkipVerify bool
	Timeout            time.Duration
	// Limiter is optional and may be shared by clients of the same provider.
	Limiter *rate.Limiter
}

// MediaPayload is the provider's answer for a media download.
type MediaPayload struct {
	Base64   string `json:"base64"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
}

// ProviderContact is one entry of the provider's contact list.
type ProviderContact struct {
	ID            string `json:"id"`
	RemoteJID     string `json:"remoteJid"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

// JID returns whichever transport id the provider filled.
func (c ProviderContact) JID() string {
	if c.RemoteJID != "" {
		return c.RemoteJID
	}
	return c.ID
}

type ProviderClient struct {
	http    *resty.Client
	limiter *rate.Limiter
}

func NewProviderClient(opts ProviderOptions) *ProviderClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = PROVIDER_DEFAULT_TIMEOUT
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("apikey", opts.APIKey)
	client.SetTimeout(timeout)
	if opts.InsecureSkipVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	client.OnError(func(req *resty.Request, err error) {
		zap.L().Debug("provider: request failed", zap.String("url", req.URL), zap.Error(err))
	})

	return &ProviderClient{http: client, limiter: opts.Limiter}
}

// FetchMedia asks the provider for the decrypted bytes of a media message.
func (p *ProviderClient) FetchMedia(ctx context.Context, instance, messageID string) (*MediaPayload, error) {
	var out MediaPayload
	body, err := p.post(ctx, "/media/{instance}", instance, map[string]any{"messageId": messageID})
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)
	out.Base64 = res.Get("base64").String()
	out.Mimetype = res.Get("mimetype").String()
	out.FileName = res.Get("fileName").String()
	if out.Base64 == "" {
		return nil, eris.Errorf("provider: empty media for message %s", messageID)
	}
	return &out, nil
}

// FindContacts lists every contact known to the instance.
func (p *ProviderClient) FindContacts(ctx context.Context, instance string) ([]ProviderContact, error) {
	body, err := p.post(ctx, "/contacts/{instance}", instance, map[string]any{})
	if err != nil {
		return nil, err
	}

	var out []ProviderContact
	for _, item := range gjson.ParseBytes(body).Array() {
		out = append(out, ProviderContact{
			ID:            item.Get("id").String(),
			RemoteJID:     item.Get("remoteJid").String(),
			PushName:      item.Get("pushName").String(),
			ProfilePicURL: item.Get("profilePicUrl").String(),
		})
	}
	return out, nil
}

// FindMessages returns the raw message records the provider keeps for a chat.
// Both the bare array and the paginated {messages:{records:[]}} shapes are accepted.
func (p *ProviderClient) FindMessages(ctx context.Context, instance, remoteJID string) ([]gjson.Result, error) {
	body, err := p.post(ctx, "/messages/{instance}", instance, map[string]any{"remoteJid": remoteJID})
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	if res.IsArray() {
		return res.Array(), nil
	}
	if records := res.Get("messages.records"); records.IsArray() {
		return records.Array(), nil
	}
	return nil, nil
}

func (p *ProviderClient) post(ctx context.Context, path, instance string, body any) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "provider: rate limit wait")
		}
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetPathParam("instance", instance).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: POST %s", path)
	}
	if resp.IsError() {
		return nil, eris.Errorf("provider: POST %s status=%d body=%s", path, resp.StatusCode(), truncate(resp.String(), 200))
	}
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
