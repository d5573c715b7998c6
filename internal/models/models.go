package models

import (
	"encoding/json"
	"strings"
	"time"

	"evolution-crm-bridge/internal/events"
)

// InstanceState is the connection state of a gateway instance.
type InstanceState string

const (
	InstanceCreated      InstanceState = "created"
	InstanceConnecting   InstanceState = "connecting"
	InstanceConnected    InstanceState = "connected"
	InstanceDisconnected InstanceState = "disconnected"
	InstanceError        InstanceState = "error"
)

// StateFromGateway maps the gateway's connection vocabulary onto InstanceState.
func StateFromGateway(state string) InstanceState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open":
		return InstanceConnected
	case "connecting":
		return InstanceConnecting
	case "close", "closed":
		return InstanceDisconnected
	default:
		return InstanceError
	}
}

// Instance is a configured gateway session.
type Instance struct {
	Name           string        `db:"name" json:"name"`
	State          InstanceState `db:"state" json:"state"`
	WebhookURL     string        `db:"webhook_url" json:"webhookUrl,omitempty"`
	Events         string        `db:"events" json:"-"`
	DepartmentID   string        `db:"department_id" json:"departmentId,omitempty"`
	DepartmentName string        `db:"department_name" json:"departmentName,omitempty"`
	OwnerJID       string        `db:"owner_jid" json:"ownerJid,omitempty"`
	ProfileName    string        `db:"profile_name" json:"profileName,omitempty"`
	QRCode         string        `db:"qr_code" json:"qrCode,omitempty"`
	PairingCode    string        `db:"pairing_code" json:"pairingCode,omitempty"`
	CreatedVia     string        `db:"created_via" json:"createdVia"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
}

// EventList returns the subscribed event names.
func (i Instance) EventList() []string {
	var out []string
	for _, e := range strings.Split(i.Events, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// JoinEvents is the inverse of EventList.
func JoinEvents(names []string) string {
	return strings.Join(names, ",")
}

// Customer is a contact identity. IdentityKey is unique.
type Customer struct {
	ID                string    `db:"id" json:"id"`
	IdentityKey       string    `db:"identity_key" json:"identityKey"`
	DisplayName       string    `db:"display_name" json:"displayName"`
	NameIsPlaceholder bool      `db:"name_is_placeholder" json:"nameIsPlaceholder"`
	WhatsAppJID       string    `db:"whatsapp_jid" json:"whatsappJid"`
	Source            string    `db:"source" json:"source"`
	LastInteractionAt time.Time `db:"last_interaction_at" json:"lastInteractionAt"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

// Active reports whether the status counts against the one-open-ticket rule.
func (s TicketStatus) Active() bool {
	return s == TicketOpen || s == TicketInProgress
}

// Ticket is a conversation thread for one customer on one channel.
type Ticket struct {
	ID             string       `db:"id" json:"id"`
	CustomerID     string       `db:"customer_id" json:"customerId"`
	InstanceName   string       `db:"instance_name" json:"instanceName"`
	Channel        string       `db:"channel" json:"channel"`
	Status         TicketStatus `db:"status" json:"status"`
	Title          string       `db:"title" json:"title"`
	DepartmentID   string       `db:"department_id" json:"departmentId"`
	DepartmentName string       `db:"department_name" json:"departmentName"`
	UnreadCount    int          `db:"unread_count" json:"unreadCount"`
	CaughtUp       bool         `db:"caught_up" json:"caughtUp"`
	LastActivityAt time.Time    `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updatedAt"`
}

// Direction tells inbound customer messages from outbound agent messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one persisted communication. (InstanceName, ExternalID) is unique.
type Message struct {
	ID              string    `db:"id" json:"id"`
	InstanceName    string    `db:"instance_name" json:"instanceName"`
	ExternalID      string    `db:"external_id" json:"externalId"`
	TicketID        string    `db:"ticket_id" json:"ticketId"`
	SenderID        string    `db:"sender_id" json:"senderId"`
	Participant     string    `db:"participant" json:"participant,omitempty"`
	Direction       Direction `db:"direction" json:"direction"`
	Kind            string    `db:"kind" json:"kind"`
	DisplayText     string    `db:"display_text" json:"displayText"`
	Media           string    `db:"media" json:"-"`
	Extra           string    `db:"extra" json:"-"`
	AckStatus       string    `db:"ack_status" json:"ackStatus"`
	SourceTimestamp time.Time `db:"source_timestamp" json:"sourceTimestamp"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// MessageView is the realtime/API representation with JSON columns expanded.
type MessageView struct {
	Message
	MediaRef  json.RawMessage `json:"media,omitempty"`
	ExtraData json.RawMessage `json:"extra,omitempty"`
}

// View expands the JSON text columns.
func (m Message) View() MessageView {
	v := MessageView{Message: m}
	if m.Media != "" {
		v.MediaRef = json.RawMessage(m.Media)
	}
	if m.Extra != "" {
		v.ExtraData = json.RawMessage(m.Extra)
	}
	return v
}

// QueueEnvelope is one unit of deferred work on the broker.
type QueueEnvelope struct {
	ID           string          `json:"id"`
	EventKind    events.Kind     `json:"eventKind"`
	InstanceName string          `json:"instanceName"`
	Data         json.RawMessage `json:"data"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	RetryCount   int             `json:"retryCount"`
}

// DeadLetter is an envelope that exhausted its retries, kept for replay.
type DeadLetter struct {
	ID           string    `db:"id" json:"id"`
	EventKind    string    `db:"event_kind" json:"eventKind"`
	InstanceName string    `db:"instance_name" json:"instanceName"`
	Data         string    `db:"data" json:"data"`
	EnqueuedAt   time.Time `db:"enqueued_at" json:"enqueuedAt"`
	RetryCount   int       `db:"retry_count" json:"retryCount"`
	Reason       string    `db:"reason" json:"reason"`
	DeadAt       time.Time `db:"dead_at" json:"deadAt"`
}

// NewDeadLetter records env unchanged alongside the failure reason.
func NewDeadLetter(env QueueEnvelope, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		ID:           env.ID,
		EventKind:    env.EventKind.String(),
		InstanceName: env.InstanceName,
		Data:         string(env.Data),
		EnqueuedAt:   env.EnqueuedAt,
		RetryCount:   env.RetryCount,
		Reason:       reason,
		DeadAt:       at,
	}
}

// Envelope rebuilds the original envelope.
func (d DeadLetter) Envelope() (QueueEnvelope, error) {
	kind, err := events.Parse(d.EventKind)
	if err != nil {
		return QueueEnvelope{}, err
	}
	return QueueEnvelope{
		ID:           d.ID,
		EventKind:    kind,
		InstanceName: d.InstanceName,
		Data:         json.RawMessage(d.Data),
		EnqueuedAt:   d.EnqueuedAt,
		RetryCount:   d.RetryCount,
	}, nil
}
