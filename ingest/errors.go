package ingest

import (
	"errors"

	"github.com/rotisserie/eris"
)

var (
	ErrTenantNotFound     = eris.New("ingest: tenant not found")
	ErrIdentityUnresolved = eris.New("ingest: identity unresolved")
	ErrUnsupported        = eris.New("ingest: unsupported")
	ErrNoProvider         = eris.New("ingest: provider not configured")
	ErrNoMatch            = eris.New("ingest: no strategy matched")
)

/************************************************
/**** MARK: DROP REASONS ****/
/************************************************/
const DROP_MALFORMED_PAYLOAD = "malformed_payload"
const DROP_TENANT_UNRESOLVED = "tenant_unresolved"
const DROP_IDENTITY_UNRESOLVED = "identity_unresolved"
const DROP_UNSUPPORTED_EVENT = "unsupported_event"
const DROP_UNSUPPORTED_MESSAGE = "unsupported_message"
const DROP_GROUP_CHAT = "group_chat"
const DROP_PROCESSING_FAILED = "processing_failed"

// DropError marks an event (or one record of it) as intentionally dropped.
// Drops are terminal and logged; they never reach the webhook caller.
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	if e.Err == nil {
		return "dropped: " + e.Reason
	}
	return "dropped: " + e.Reason + ": " + e.Err.Error()
}

func (e *DropError) Unwrap() error {
	return e.Err
}

func Drop(reason string, err error) *DropError {
	return &DropError{Reason: reason, Err: err}
}

// DropReason extracts the reason of a DropError anywhere in the chain.
func DropReason(err error) (string, bool) {
	var de *DropError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}
