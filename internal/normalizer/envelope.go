package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope is one message item of a MESSAGES_UPSERT or SEND_MESSAGE event:
// the routing key and metadata around the raw message content.
type Envelope struct {
	ID          string
	RemoteJID   string
	FromMe      bool
	Participant string
	PushName    string
	MessageType string
	Status      string
	Timestamp   time.Time
	Message     json.RawMessage
}

type wireEnvelope struct {
	Key struct {
		RemoteJID   string   `json:"remoteJid"`
		FromMe      flexBool `json:"fromMe"`
		ID          string   `json:"id"`
		Participant string   `json:"participant"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	Participant      string          `json:"participant"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp flexInt         `json:"messageTimestamp"`
	Status           json.RawMessage `json:"status"`
	Message          json.RawMessage `json:"message"`
}

// DecodeEnvelope validates and decodes one message item. The key id and
// remote JID are required; everything else is optional.
func DecodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("message item is not an object: %w", err)
	}
	if strings.TrimSpace(w.Key.ID) == "" {
		return Envelope{}, fmt.Errorf("message key.id is required")
	}
	if strings.TrimSpace(w.Key.RemoteJID) == "" {
		return Envelope{}, fmt.Errorf("message key.remoteJid is required")
	}
	env := Envelope{
		ID:          w.Key.ID,
		RemoteJID:   w.Key.RemoteJID,
		FromMe:      bool(w.Key.FromMe),
		Participant: firstNonEmpty(w.Key.Participant, w.Participant),
		PushName:    strings.TrimSpace(w.PushName),
		MessageType: w.MessageType,
		Status:      AckStatus(w.Status),
		Message:     w.Message,
	}
	if ts := int64(w.MessageTimestamp); ts > 0 {
		// Milliseconds are occasionally sent instead of seconds.
		if ts > 1e12 {
			env.Timestamp = time.UnixMilli(ts).UTC()
		} else {
			env.Timestamp = time.Unix(ts, 0).UTC()
		}
	}
	return env, nil
}

// MessageRef points at an existing message from an update or delete event.
type MessageRef struct {
	ID        string
	RemoteJID string
	FromMe    bool
	Status    string
}

type wireMessageRef struct {
	KeyID     string          `json:"keyId"`
	MessageID string          `json:"messageId"`
	ID        string          `json:"id"`
	RemoteJID string          `json:"remoteJid"`
	FromMe    flexBool        `json:"fromMe"`
	Status    json.RawMessage `json:"status"`
	Key       struct {
		ID        string   `json:"id"`
		RemoteJID string   `json:"remoteJid"`
		FromMe    flexBool `json:"fromMe"`
	} `json:"key"`
	Update struct {
		Status json.RawMessage `json:"status"`
	} `json:"update"`
}

// DecodeMessageRef accepts both the flat v2 shape ({keyId, remoteJid,
// status}) and the keyed v1 shape ({key: {...}, update: {status}}).
func DecodeMessageRef(raw json.RawMessage) (MessageRef, error) {
	var w wireMessageRef
	if err := json.Unmarshal(raw, &w); err != nil {
		return MessageRef{}, fmt.Errorf("message reference is not an object: %w", err)
	}
	ref := MessageRef{
		ID:        firstNonEmpty(w.KeyID, w.Key.ID, w.ID, w.MessageID),
		RemoteJID: firstNonEmpty(w.RemoteJID, w.Key.RemoteJID),
		FromMe:    bool(w.FromMe) || bool(w.Key.FromMe),
		Status:    AckStatus(w.Status),
	}
	if ref.Status == "" {
		ref.Status = AckStatus(w.Update.Status)
	}
	if ref.ID == "" {
		return MessageRef{}, fmt.Errorf("message reference has no id")
	}
	return ref, nil
}

// ackNames indexes the numeric ack levels used by older gateway versions.
var ackNames = []string{"ERROR", "PENDING", "SERVER_ACK", "DELIVERY_ACK", "READ", "PLAYED"}

// AckStatus normalizes a delivery status given as a name or a number.
func AckStatus(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ToUpper(strings.TrimSpace(s))
		if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(ackNames) {
			return ackNames[n]
		}
		return s
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n >= 0 && n < len(ackNames) {
		return ackNames[n]
	}
	return ""
}

// Contact is a contacts event entry.
type Contact struct {
	JID      string
	PushName string
}

type wireContactEntry struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	PushName  string `json:"pushName"`
	Name      string `json:"name"`
	Notify    string `json:"notify"`
}

// DecodeContact reads a contacts event entry. Entries without a JID are an
// error; a missing name is not.
func DecodeContact(raw json.RawMessage) (Contact, error) {
	var w wireContactEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return Contact{}, fmt.Errorf("contact is not an object: %w", err)
	}
	c := Contact{
		JID:      firstNonEmpty(w.RemoteJID, w.ID),
		PushName: strings.TrimSpace(firstNonEmpty(w.PushName, w.Name, w.Notify)),
	}
	if c.JID == "" {
		return Contact{}, fmt.Errorf("contact has no jid")
	}
	return c, nil
}

// Items splits event data into its entries: an array yields its elements,
// an object yields itself. Null or an empty array yields nothing.
func Items(data json.RawMessage) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || isNull(data) {
		return nil, nil
	}
	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("data is not a valid array: %w", err)
		}
		return items, nil
	case '{':
		return []json.RawMessage{data}, nil
	}
	return nil, fmt.Errorf("data must be an object or an array")
}
