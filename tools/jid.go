package tools

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

const (
	JID_SERVER_PHONE     = types.DefaultUserServer
	JID_SERVER_LEGACY    = types.LegacyUserServer
	JID_SERVER_LID       = types.HiddenUserServer
	JID_SERVER_GROUP     = types.GroupServer
	JID_SERVER_BROADCAST = types.BroadcastServer
)

// JID is a WhatsApp transport address ("user@server") without the device part.
type JID struct {
	types.JID
}

// ParseJID parses a transport id with whatsmeow and drops the device suffix
// ("5511...:12@s.whatsapp.net"). A bare value without '@' is kept as User
// with an empty Server, since providers also send plain numbers.
func ParseJID(raw string) JID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return JID{}
	}
	user, server, found := strings.Cut(raw, "@")
	if !found {
		return JID{types.JID{User: user}}
	}
	server = strings.ToLower(strings.TrimSpace(server))

	jid, err := types.ParseJID(user + "@" + server)
	if err != nil {
		// malformed device part; keep the user as sent
		if i := strings.IndexByte(user, ':'); i >= 0 {
			user = user[:i]
		}
		return JID{types.JID{User: user, Server: server}}
	}
	return JID{jid.ToNonAD()}
}

func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

func (j JID) IsLID() bool {
	return j.Server == types.HiddenUserServer
}

func (j JID) IsGroup() bool {
	return j.Server == types.GroupServer
}

func (j JID) IsBroadcast() bool {
	return j.Server == types.BroadcastServer
}

// IsStatus reports the "status@broadcast" pseudo chat used for stories.
func (j JID) IsStatus() bool {
	return j.JID == types.StatusBroadcastJID
}

// Phone returns the canonical phone carried by the JID, or "" when the JID
// is opaque (lid, group, broadcast) or its user part is not phone-shaped.
func (j JID) Phone() string {
	switch j.Server {
	case "", types.DefaultUserServer, types.LegacyUserServer:
	default:
		return ""
	}
	user := strings.TrimPrefix(j.User, "+")
	if !IsPhoneShaped(user) {
		return ""
	}
	return NormalizePhone(user)
}

func (j JID) String() string {
	if j.Server == "" {
		return j.User
	}
	return j.User + "@" + j.Server
}

// PhoneFromJID is a shortcut for ParseJID(raw).Phone().
func PhoneFromJID(raw string) string {
	return ParseJID(raw).Phone()
}
