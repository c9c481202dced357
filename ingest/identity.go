package ingest

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"wainbox/models"
	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const IDENTITY_LOOKUP_TIMEOUT = 30 * time.Second

/************************************************
/**** MARK: IDENTITY STAGES ****/
/************************************************/
const STAGE_REMOTE_JID = "remote_jid"
const STAGE_REMOTE_JID_ALT = "remote_jid_alt"
const STAGE_SENDER_PN = "sender_pn"
const STAGE_PARTICIPANT = "participant"
const STAGE_KNOWN_CONTACT = "known_contact"
const STAGE_PROVIDER_LOOKUP = "provider_lookup"
const STAGE_PUSH_NAME = "push_name"

// IdentityRequest is the input of one contact resolution.
type IdentityRequest struct {
	TenantID string
	Instance string
	// OwnerPhone is the tenant's own connected number; it is never a contact.
	OwnerPhone string
	Hint       IdentityHint
}

func (r IdentityRequest) accept(phone string) (string, bool) {
	if phone == "" || phone == r.OwnerPhone {
		return "", false
	}
	return phone, true
}

// IdentityResolver turns the identity signals of an event into the
// canonical phone of the contact.
type IdentityResolver struct {
	db            *gorm.DB
	providers     ProviderSource
	lookupTimeout time.Duration
	steps         []Step[IdentityRequest, string]
}

// NewIdentityResolver builds the resolution chain. providers may be nil, in
// which case the provider history lookup is skipped.
func NewIdentityResolver(database *gorm.DB, providers ProviderSource, lookupTimeout time.Duration) *IdentityResolver {
	if lookupTimeout <= 0 {
		lookupTimeout = IDENTITY_LOOKUP_TIMEOUT
	}
	r := &IdentityResolver{db: database, providers: providers, lookupTimeout: lookupTimeout}
	r.steps = []Step[IdentityRequest, string]{
		{Name: STAGE_REMOTE_JID, Run: jidStep(func(h IdentityHint) string { return h.RemoteJID })},
		{Name: STAGE_REMOTE_JID_ALT, Run: jidStep(func(h IdentityHint) string { return h.RemoteJIDAlt })},
		{Name: STAGE_SENDER_PN, Run: jidStep(func(h IdentityHint) string { return h.SenderPN })},
		{Name: STAGE_PARTICIPANT, Run: jidStep(func(h IdentityHint) string { return h.Participant })},
		{Name: STAGE_KNOWN_CONTACT, Run: r.fromKnownContact},
		{Name: STAGE_PROVIDER_LOOKUP, Run: r.fromProviderHistory},
		{Name: STAGE_PUSH_NAME, Run: r.fromPushName},
	}
	return r
}

// ResolveContactPhone returns the canonical contact phone and the name of
// the stage that found it. Unattributable events come back as DropErrors;
// a store failure comes back as a plain error so the event is retried.
func (r *IdentityResolver) ResolveContactPhone(ctx context.Context, req IdentityRequest) (string, string, error) {
	jid := tools.ParseJID(req.Hint.RemoteJID)
	switch {
	case jid.IsGroup():
		return "", "", Drop(DROP_GROUP_CHAT, ErrUnsupported)
	case jid.IsStatus():
		return "", "", Drop(DROP_UNSUPPORTED_MESSAGE, eris.Wrap(ErrUnsupported, "status broadcast"))
	case jid.IsBroadcast():
		return "", "", Drop(DROP_UNSUPPORTED_MESSAGE, eris.Wrap(ErrUnsupported, "broadcast list"))
	}

	phone, stage, err := FirstSuccess(ctx, req, r.steps...)
	if errors.Is(err, ErrNoMatch) {
		return "", "", Drop(DROP_IDENTITY_UNRESOLVED, ErrIdentityUnresolved)
	}
	if err != nil {
		return "", "", err
	}
	return phone, stage, nil
}

func jidStep(field func(IdentityHint) string) func(context.Context, IdentityRequest) (string, bool, error) {
	return func(_ context.Context, req IdentityRequest) (string, bool, error) {
		phone, ok := req.accept(tools.PhoneFromJID(field(req.Hint)))
		return phone, ok, nil
	}
}

// fromKnownContact reuses a phone previously learned for the same opaque
// id from an inbound event. It is the only way an outbound event to an
// opaque id resolves.
func (r *IdentityResolver) fromKnownContact(ctx context.Context, req IdentityRequest) (string, bool, error) {
	jid := tools.ParseJID(req.Hint.RemoteJID)
	if jid.IsEmpty() || jid.Phone() != "" {
		return "", false, nil
	}

	var contact models.Contact
	err := r.db.Where("tenant_id = ? AND raw_jid = ?", req.TenantID, jid.String()).
		Order("updated_at desc").First(&contact).Error
	if gorm.IsRecordNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Abort(eris.Wrap(err, "identity: lookup contact by raw jid"))
	}
	phone, ok := req.accept(contact.Phone)
	return phone, ok, nil
}

// fromProviderHistory asks the provider for the stored records of the
// opaque chat and takes the first phone-shaped alternative id. Inbound only.
func (r *IdentityResolver) fromProviderHistory(ctx context.Context, req IdentityRequest) (string, bool, error) {
	if req.Hint.FromMe || r.providers == nil || req.Instance == "" || req.Hint.RemoteJID == "" {
		return "", false, nil
	}
	if tools.PhoneFromJID(req.Hint.RemoteJID) != "" {
		return "", false, nil
	}

	provider, err := r.providers.ProviderFor(ctx, req.TenantID)
	if err != nil {
		return "", false, err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	records, err := provider.FindMessages(lookupCtx, req.Instance, req.Hint.RemoteJID)
	if err != nil {
		return "", false, eris.Wrap(err, "identity: provider history")
	}
	for _, rec := range records {
		for _, candidate := range []gjson.Result{
			rec.Get("key.remoteJidAlt"),
			rec.Get("key.senderPn"),
			rec.Get("senderPn"),
			rec.Get("key.participant"),
			rec.Get("key.remoteJid"),
		} {
			if phone, ok := req.accept(tools.PhoneFromJID(candidate.String())); ok {
				return phone, true, nil
			}
		}
	}
	return "", false, nil
}

// fromPushName matches the sender's display name against the tenant's
// customers: exact, then substring, then first name. Best effort only; a
// tier with more than one distinct candidate stops the search instead of
// guessing. Inbound only.
func (r *IdentityResolver) fromPushName(ctx context.Context, req IdentityRequest) (string, bool, error) {
	if req.Hint.FromMe {
		return "", false, nil
	}
	push := foldName(req.Hint.PushName)
	if push == "" {
		return "", false, nil
	}

	var customers []models.Customer
	if err := r.db.Where("tenant_id = ? AND phone <> ''", req.TenantID).Find(&customers).Error; err != nil {
		return "", false, Abort(eris.Wrap(err, "identity: load customers"))
	}

	type candidate struct{ name, phone string }
	pool := make([]candidate, 0, len(customers))
	for _, c := range customers {
		phone, ok := req.accept(tools.NormalizePhone(c.Phone))
		if !ok {
			continue
		}
		pool = append(pool, candidate{name: foldName(c.Name), phone: phone})
	}

	tiers := []func(name string) bool{
		func(name string) bool { return name == push },
		func(name string) bool {
			return len(push) >= 3 && len(name) >= 3 && (strings.Contains(name, push) || strings.Contains(push, name))
		},
		func(name string) bool { return firstToken(name) == firstToken(push) },
	}
	for _, match := range tiers {
		phones := map[string]struct{}{}
		var found string
		for _, c := range pool {
			if c.name != "" && match(c.name) {
				phones[c.phone] = struct{}{}
				found = c.phone
			}
		}
		switch len(phones) {
		case 0:
			continue
		case 1:
			return found, true, nil
		default:
			return "", false, nil
		}
	}
	return "", false, nil
}

// foldName lowercases, strips accents and collapses spaces.
func foldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(out)), " ")
}

func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
