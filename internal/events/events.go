// Package events is the closed taxonomy of gateway webhook events.
package events

import (
	"strings"
)

// Kind is one supported gateway event.
type Kind int

const (
	MessagesUpsert Kind = iota + 1
	MessagesUpdate
	MessagesDelete
	SendMessage
	ConnectionUpdate
	QRCodeUpdated
	ApplicationStartup
	ContactsSet
	ContactsUpsert
	ContactsUpdate
	ChatsSet
	ChatsUpsert
	ChatsUpdate
	ChatsDelete
	GroupsUpsert
	GroupUpdate
	GroupParticipantsUpdate
	PresenceUpdate
	Call
	NewJWTToken
	TypebotStart
	TypebotChangeStatus

	kindEnd
)

// Group buckets kinds by how the ingestion path treats them.
type Group int

const (
	GroupMessage Group = iota + 1
	GroupInstance
	GroupPassthrough
)

var names = [...]string{
	MessagesUpsert:          "MESSAGES_UPSERT",
	MessagesUpdate:          "MESSAGES_UPDATE",
	MessagesDelete:          "MESSAGES_DELETE",
	SendMessage:             "SEND_MESSAGE",
	ConnectionUpdate:        "CONNECTION_UPDATE",
	QRCodeUpdated:           "QRCODE_UPDATED",
	ApplicationStartup:      "APPLICATION_STARTUP",
	ContactsSet:             "CONTACTS_SET",
	ContactsUpsert:          "CONTACTS_UPSERT",
	ContactsUpdate:          "CONTACTS_UPDATE",
	ChatsSet:                "CHATS_SET",
	ChatsUpsert:             "CHATS_UPSERT",
	ChatsUpdate:             "CHATS_UPDATE",
	ChatsDelete:             "CHATS_DELETE",
	GroupsUpsert:            "GROUPS_UPSERT",
	GroupUpdate:             "GROUP_UPDATE",
	GroupParticipantsUpdate: "GROUP_PARTICIPANTS_UPDATE",
	PresenceUpdate:          "PRESENCE_UPDATE",
	Call:                    "CALL",
	NewJWTToken:             "NEW_JWT_TOKEN",
	TypebotStart:            "TYPEBOT_START",
	TypebotChangeStatus:     "TYPEBOT_CHANGE_STATUS",
}

var byName map[string]Kind

func init() {
	byName = make(map[string]Kind, len(names))
	for k := MessagesUpsert; k < kindEnd; k++ {
		byName[names[k]] = k
	}
}

// String returns the canonical upper-snake name.
func (k Kind) String() string {
	if !k.Valid() {
		return "UNKNOWN"
	}
	return names[k]
}

// Valid reports whether k is a member of the taxonomy.
func (k Kind) Valid() bool {
	return k >= MessagesUpsert && k < kindEnd
}

// Slug is the kebab-case form used as a realtime event name.
func (k Kind) Slug() string {
	return strings.ReplaceAll(strings.ToLower(k.String()), "_", "-")
}

// Group classifies the kind.
func (k Kind) Group() Group {
	switch k {
	case MessagesUpsert, MessagesUpdate, MessagesDelete, SendMessage:
		return GroupMessage
	case ConnectionUpdate, QRCodeUpdated, ApplicationStartup:
		return GroupInstance
	default:
		return GroupPassthrough
	}
}

// MarshalText encodes the canonical name, so envelopes carry readable kinds.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts any form Parse accepts.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parse maps a raw event name to its kind. Evolution v2 dotted lower-case
// names ("messages.upsert") are accepted alongside the canonical form.
func Parse(name string) (Kind, error) {
	canonical := strings.ToUpper(strings.TrimSpace(name))
	canonical = strings.NewReplacer(".", "_", "-", "_").Replace(canonical)
	if k, ok := byName[canonical]; ok {
		return k, nil
	}
	return 0, &UnknownKindError{Name: name}
}

// Supported returns every canonical event name in taxonomy order.
func Supported() []string {
	out := make([]string, 0, len(names)-1)
	for k := MessagesUpsert; k < kindEnd; k++ {
		out = append(out, names[k])
	}
	return out
}

// All returns every kind in taxonomy order.
func All() []Kind {
	out := make([]Kind, 0, int(kindEnd)-1)
	for k := MessagesUpsert; k < kindEnd; k++ {
		out = append(out, k)
	}
	return out
}

// UnknownKindError is returned by Parse for names outside the taxonomy.
type UnknownKindError struct {
	Name string
}

func (e *UnknownKindError) Error() string {
	return "unknown event kind: " + e.Name
}
