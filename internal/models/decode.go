package models

import (
	"errors"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// decode converts raw document fields into a typed entity. Type mismatches
// and unparseable timestamps fail instead of producing zero values.
func decode(kind, id string, fields map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return NewInternalError(err)
	}
	if err := dec.Decode(fields); err != nil {
		return NewMalformedRecordError(kind, id, err)
	}
	return nil
}

func missing(kind, id string, names ...string) error {
	return NewMalformedRecordError(kind, id, errors.New("missing "+strings.Join(names, ", ")))
}

// DecodeUser decodes a users document.
func DecodeUser(id string, fields map[string]any) (User, error) {
	var u User
	if err := decode("user", id, fields, &u); err != nil {
		return User{}, err
	}
	u.ID = id
	return u, nil
}

// DecodeInvitation decodes an invitations document.
func DecodeInvitation(id string, fields map[string]any) (Invitation, error) {
	var inv Invitation
	if err := decode("invitation", id, fields, &inv); err != nil {
		return Invitation{}, err
	}
	inv.ID = id
	if inv.FromUserID == "" || inv.ToUserID == "" {
		return Invitation{}, missing("invitation", id, "fromUserId", "toUserId")
	}
	switch inv.Status {
	case InvitationStatusPending, InvitationStatusAccepted:
	default:
		return Invitation{}, NewMalformedRecordError("invitation", id, errors.New("unknown status "+string(inv.Status)))
	}
	return inv, nil
}

// DecodeContact decodes a contacts document.
func DecodeContact(id string, fields map[string]any) (Contact, error) {
	var c Contact
	if err := decode("contact", id, fields, &c); err != nil {
		return Contact{}, err
	}
	c.ID = id
	if c.UserID == "" || c.ContactID == "" {
		return Contact{}, missing("contact", id, "userId", "contactId")
	}
	return c, nil
}

// DecodeMessage decodes a message document. A message carries text or an
// image URL, never both.
func DecodeMessage(id string, fields map[string]any) (Message, error) {
	var m Message
	if err := decode("message", id, fields, &m); err != nil {
		return Message{}, err
	}
	m.ID = id
	if m.SenderID == "" {
		return Message{}, missing("message", id, "senderId")
	}
	if (m.Text == "") == (m.ImageURL == "") {
		return Message{}, NewMalformedRecordError("message", id, errors.New("exactly one of text and imageUrl must be set"))
	}
	return m, nil
}

// DecodeCallSession decodes a callSessions document.
func DecodeCallSession(id string, fields map[string]any) (CallSession, error) {
	var s CallSession
	if err := decode("call session", id, fields, &s); err != nil {
		return CallSession{}, err
	}
	s.ID = id
	if s.CallerID == "" || s.CalleeID == "" {
		return CallSession{}, missing("call session", id, "callerId", "calleeId")
	}
	if !s.CallType.Valid() {
		return CallSession{}, NewMalformedRecordError("call session", id, errors.New("unknown call type "+string(s.CallType)))
	}
	if !s.Status.valid() {
		return CallSession{}, NewMalformedRecordError("call session", id, errors.New("unknown status "+string(s.Status)))
	}
	return s, nil
}
