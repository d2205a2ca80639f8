package messaging

import (
	"strings"
)

// Subject prefixes. Every subject is <prefix>.<entity id>: presence and
// roster channels are scoped per user, typing/message/receipt channels per
// conversation.
const (
	SubjectPresence = "presence"
	SubjectRoster   = "roster"
	SubjectTyping   = "typing"
	SubjectMessage  = "message"
	SubjectReceipt  = "receipt"
)

// Event types carried in the Event envelope.
const (
	EventPresenceChanged = "presence_changed"
	EventRosterChanged   = "roster_changed"
	EventTypingChanged   = "typing_changed"
	EventMessageCreated  = "message_created"
	EventReceiptUpdated  = "receipt_updated"
)

func PresenceSubject(userID string) string { return SubjectPresence + "." + userID }
func RosterSubject(userID string) string   { return SubjectRoster + "." + userID }
func TypingSubject(convID string) string   { return SubjectTyping + "." + convID }
func MessageSubject(convID string) string  { return SubjectMessage + "." + convID }
func ReceiptSubject(convID string) string  { return SubjectReceipt + "." + convID }

// ValidID reports whether id can be embedded in a subject as one token.
func ValidID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// ParseSubject splits a subject into its prefix and entity id. It returns
// ok=false for anything that is not one of the known entity-scoped subjects,
// including wildcards.
func ParseSubject(subject string) (prefix, id string, ok bool) {
	prefix, id, found := strings.Cut(subject, ".")
	if !found || !ValidID(id) {
		return "", "", false
	}
	switch prefix {
	case SubjectPresence, SubjectRoster, SubjectTyping, SubjectMessage, SubjectReceipt:
		return prefix, id, true
	}
	return "", "", false
}
