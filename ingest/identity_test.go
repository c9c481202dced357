package ingest

import (
	"context"
	"testing"
	"time"

	"wainbox/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const lid = "123456789012345@lid"

func resolve(t *testing.T, r *IdentityResolver, hint IdentityHint) (string, string, error) {
	t.Helper()
	return r.ResolveContactPhone(context.Background(), IdentityRequest{
		TenantID:   "tenant-7",
		Instance:   "loja-7",
		OwnerPhone: "5511900000000",
		Hint:       hint,
	})
}

func TestIdentityDirectPhone(t *testing.T) {
	r := NewIdentityResolver(newTestDB(t), nil, 0)

	phone, stage, err := resolve(t, r, IdentityHint{RemoteJID: "551199990000@s.whatsapp.net"})
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", phone)
	assert.Equal(t, STAGE_REMOTE_JID, stage)
}

func TestIdentityAltBeatsSenderPn(t *testing.T) {
	r := NewIdentityResolver(newTestDB(t), nil, 0)

	phone, stage, err := resolve(t, r, IdentityHint{
		RemoteJID:    lid,
		RemoteJIDAlt: "5511999990000@s.whatsapp.net",
		SenderPN:     "5521988887777@s.whatsapp.net",
	})
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", phone)
	assert.Equal(t, STAGE_REMOTE_JID_ALT, stage)
}

func TestIdentitySenderPnThenParticipant(t *testing.T) {
	r := NewIdentityResolver(newTestDB(t), nil, 0)

	phone, stage, err := resolve(t, r, IdentityHint{RemoteJID: lid, SenderPN: "5521988887777@s.whatsapp.net"})
	require.NoError(t, err)
	assert.Equal(t, "5521988887777", phone)
	assert.Equal(t, STAGE_SENDER_PN, stage)

	phone, stage, err = resolve(t, r, IdentityHint{RemoteJID: lid, Participant: "5521988887777:3@s.whatsapp.net"})
	require.NoError(t, err)
	assert.Equal(t, "5521988887777", phone)
	assert.Equal(t, STAGE_PARTICIPANT, stage)
}

func TestIdentityOwnerNumberIsNotAContact(t *testing.T) {
	r := NewIdentityResolver(newTestDB(t), nil, 0)

	phone, stage, err := resolve(t, r, IdentityHint{
		RemoteJID:   lid,
		SenderPN:    "5511900000000@s.whatsapp.net",
		Participant: "5521988887777@s.whatsapp.net",
	})
	require.NoError(t, err)
	assert.Equal(t, "5521988887777", phone)
	assert.Equal(t, STAGE_PARTICIPANT, stage)
}

func TestIdentityGroupsAndBroadcastsDropped(t *testing.T) {
	r := NewIdentityResolver(newTestDB(t), nil, 0)

	_, _, err := resolve(t, r, IdentityHint{RemoteJID: "120363025246125888@g.us", Participant: "5511999990000@s.whatsapp.net"})
	reason, _ := DropReason(err)
	assert.Equal(t, DROP_GROUP_CHAT, reason)

	_, _, err = resolve(t, r, IdentityHint{RemoteJID: "status@broadcast", Participant: "5511999990000@s.whatsapp.net"})
	reason, _ = DropReason(err)
	assert.Equal(t, DROP_UNSUPPORTED_MESSAGE, reason)
	assert.Contains(t, err.Error(), "status broadcast")

	_, _, err = resolve(t, r, IdentityHint{RemoteJID: "1234567890@broadcast", Participant: "5511999990000@s.whatsapp.net"})
	reason, _ = DropReason(err)
	assert.Equal(t, DROP_UNSUPPORTED_MESSAGE, reason)
	assert.Contains(t, err.Error(), "broadcast list")
}

func TestIdentityStoreFailureIsRetryable(t *testing.T) {
	database := newTestDB(t)
	r := NewIdentityResolver(database, nil, 0)
	require.NoError(t, database.Close())

	_, _, err := resolve(t, r, IdentityHint{RemoteJID: lid, PushName: "Maria"})
	require.Error(t, err)
	_, dropped := DropReason(err)
	assert.False(t, dropped)
	assert.NotErrorIs(t, err, ErrIdentityUnresolved)
}

func TestIdentityKnownContactResolvesOutbound(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.Create(&models.Contact{TenantID: "tenant-7", Phone: "5511999990000", RawJID: lid}).Error)
	r := NewIdentityResolver(database, nil, 0)

	phone, stage, err := resolve(t, r, IdentityHint{RemoteJID: lid, FromMe: true})
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", phone)
	assert.Equal(t, STAGE_KNOWN_CONTACT, stage)
}

func TestIdentityOutboundOpaqueWithoutHistoryIsDropped(t *testing.T) {
	database := newTestDB(t)
	seedCustomer(t, database, "tenant-7", "Maria", "5511999990000")
	provider := newFakeProvider()
	provider.messages[lid] = `[{"key":{"id":"X","remoteJid":"` + lid + `","remoteJidAlt":"5511999990000@s.whatsapp.net"}}]`
	r := NewIdentityResolver(database, provider, 0)

	_, _, err := resolve(t, r, IdentityHint{RemoteJID: lid, FromMe: true, PushName: "Maria"})
	reason, ok := DropReason(err)
	require.True(t, ok)
	assert.Equal(t, DROP_IDENTITY_UNRESOLVED, reason)
	assert.Empty(t, provider.Calls())
}

func TestIdentityProviderLookup(t *testing.T) {
	provider := newFakeProvider()
	provider.messages[lid] = `[
		{"key":{"id":"X0","remoteJid":"` + lid + `","fromMe":true}},
		{"key":{"id":"X1","remoteJid":"` + lid + `","senderPn":"5511999990000@s.whatsapp.net"}}
	]`
	r := NewIdentityResolver(newTestDB(t), provider, 0)

	phone, stage, err := resolve(t, r, IdentityHint{RemoteJID: lid})
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", phone)
	assert.Equal(t, STAGE_PROVIDER_LOOKUP, stage)
	assert.Equal(t, []string{"messages:" + lid}, provider.Calls())
}

// slowProvider never answers the history lookup before the deadline.
type slowProvider struct{ *fakeProvider }

func (s slowProvider) ProviderFor(context.Context, string) (Provider, error) { return s, nil }

func (s slowProvider) FindMessages(ctx context.Context, instance, remoteJID string) ([]gjson.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIdentityProviderTimeoutFallsThroughToPushName(t *testing.T) {
	database := newTestDB(t)
	seedCustomer(t, database, "tenant-7", "Maria Souza", "11 99999-0000")
	r := NewIdentityResolver(database, slowProvider{newFakeProvider()}, 20*time.Millisecond)

	start := time.Now()
	phone, stage, err := resolve(t, r, IdentityHint{RemoteJID: lid, PushName: "maria souza"})
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", phone)
	assert.Equal(t, STAGE_PUSH_NAME, stage)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIdentityPushNameTiers(t *testing.T) {
	database := newTestDB(t)
	seedCustomer(t, database, "tenant-7", "José Antônio", "5511911112222")
	seedCustomer(t, database, "tenant-7", "Ana Paula Lima", "5511933334444")
	seedCustomer(t, database, "tenant-7", "Ana Beatriz", "5511955556666")
	seedCustomer(t, database, "tenant-7", "Carlos Eduardo", "5511977778888")
	seedCustomer(t, database, "tenant-7", "Carla Dias", "")
	seedCustomer(t, database, "tenant-x", "Bruno", "5511922223333")
	r := NewIdentityResolver(database, nil, 0)

	cases := []struct {
		push string
		want string
	}{
		{"jose antonio", "5511911112222"},    // exact, accent folded
		{"Paula Lima", "5511933334444"},      // substring
		{"Carlos", "5511977778888"},          // substring of a single customer
		{"Carlos Henrique", "5511977778888"}, // unique first token
		{"Ana", ""},                          // ambiguous: two Anas
		{"Bruno", ""},                        // other tenant
		{"Carla Dias", ""},                   // customer without phone
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.push, func(t *testing.T) {
			phone, stage, err := resolve(t, r, IdentityHint{RemoteJID: lid, PushName: tc.push})
			if tc.want == "" {
				reason, _ := DropReason(err)
				assert.Equal(t, DROP_IDENTITY_UNRESOLVED, reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, phone)
			assert.Equal(t, STAGE_PUSH_NAME, stage)
		})
	}
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, "jose antonio", foldName("  JOSÉ   Antônio "))
	assert.Equal(t, "joao", foldName("João"))
	assert.Empty(t, foldName("   "))
}
