package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/config"
	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/qr"
	"evolution-crm-bridge/internal/realtime"
	"evolution-crm-bridge/internal/store"
)

const (
	CreatedViaWebhook      = "webhook"
	CreatedViaProvisioning = "provisioning"
)

// InstanceService keeps instance rows in step with gateway lifecycle events.
type InstanceService struct {
	store     *store.Store
	publisher realtime.Publisher
	qr        *qr.Renderer
	known     *cache.Cache
}

// NewInstanceService creates a new InstanceService. renderer may be nil, in
// which case QR payloads without a base64 image are stored as-is.
func NewInstanceService(st *store.Store, publisher realtime.Publisher, renderer *qr.Renderer) (*InstanceService, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil for InstanceService")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil for InstanceService")
	}
	return &InstanceService{
		store:     st,
		publisher: publisher,
		qr:        renderer,
		known:     cache.New(10*time.Minute, 20*time.Minute),
	}, nil
}

// Ensure creates the instance on first sight. Known names are answered from
// memory.
func (s *InstanceService) Ensure(ctx context.Context, name string) error {
	if _, found := s.known.Get(name); found {
		return nil
	}
	_, created, err := s.store.EnsureInstance(ctx, name, CreatedViaWebhook)
	if err != nil {
		return apperrors.EntityResolution(err, "failed to ensure instance "+name)
	}
	if created {
		log.Info().Str("instance", name).Msg("Registered new instance from webhook")
	}
	s.known.SetDefault(name, struct{}{})
	return nil
}

// Provision upserts the instances declared in the provisioning file.
func (s *InstanceService) Provision(ctx context.Context, specs []config.InstanceSpec) error {
	for _, spec := range specs {
		err := s.store.ProvisionInstance(ctx, models.Instance{
			Name:           spec.Name,
			WebhookURL:     spec.WebhookURL,
			Events:         models.JoinEvents(spec.Events),
			DepartmentID:   spec.DepartmentID,
			DepartmentName: spec.DepartmentName,
		})
		if err != nil {
			return err
		}
		s.known.SetDefault(spec.Name, struct{}{})
		log.Info().
			Str("instance", spec.Name).
			Str("department", spec.DepartmentName).
			Int("events", len(spec.Events)).
			Msg("Provisioned instance")
	}
	return nil
}

type connectionPayload struct {
	State        string `json:"state"`
	StatusReason any    `json:"statusReason"`
	WUID         string `json:"wuid"`
	Owner        string `json:"owner"`
	ProfileName  string `json:"profileName"`
}

// ConnectionUpdate is the connection-update realtime payload.
type ConnectionUpdate struct {
	Instance     string               `json:"instance"`
	State        models.InstanceState `json:"state"`
	GatewayState string               `json:"gatewayState"`
	OwnerJID     string               `json:"ownerJid,omitempty"`
	ProfileName  string               `json:"profileName,omitempty"`
}

// ApplyConnection handles CONNECTION_UPDATE.
func (s *InstanceService) ApplyConnection(ctx context.Context, name string, data json.RawMessage) (*ConnectionUpdate, error) {
	var p connectionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Validation("invalid connection payload", map[string]any{"instance": name})
	}
	if strings.TrimSpace(p.State) == "" {
		return nil, apperrors.Validation("connection payload has no state", map[string]any{"instance": name})
	}
	return s.SyncConnection(ctx, name, p.State, firstOf(p.WUID, p.Owner), p.ProfileName)
}

// SyncConnection stores a gateway connection state and announces it.
func (s *InstanceService) SyncConnection(ctx context.Context, name, gatewayState, ownerJID, profileName string) (*ConnectionUpdate, error) {
	state := models.StateFromGateway(gatewayState)
	if err := s.store.UpdateInstanceConnection(ctx, name, state, ownerJID, profileName); err != nil {
		return nil, apperrors.Persistence(err, "failed to update connection of instance "+name)
	}

	update := &ConnectionUpdate{
		Instance:     name,
		State:        state,
		GatewayState: gatewayState,
		OwnerJID:     ownerJID,
		ProfileName:  profileName,
	}
	log.Info().Str("instance", name).Str("gatewayState", gatewayState).Str("state", string(state)).Msg("Instance connection changed")
	s.publish(ctx, name, realtime.EventConnectionUpdate, update)
	return update, nil
}

type qrPayload struct {
	QRCode *struct {
		Code        string `json:"code"`
		Base64      string `json:"base64"`
		PairingCode string `json:"pairingCode"`
	} `json:"qrcode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode"`
}

// QRUpdate is the qr-updated realtime payload.
type QRUpdate struct {
	Instance    string `json:"instance"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// ApplyQRCode handles QRCODE_UPDATED. When the gateway sends only the raw
// code the image is rendered locally.
func (s *InstanceService) ApplyQRCode(ctx context.Context, name string, data json.RawMessage) (*QRUpdate, error) {
	var p qrPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Validation("invalid QR payload", map[string]any{"instance": name})
	}
	code, image, pairing := p.Code, p.Base64, p.PairingCode
	if p.QRCode != nil {
		code, image, pairing = firstOf(p.QRCode.Code, code), firstOf(p.QRCode.Base64, image), firstOf(p.QRCode.PairingCode, pairing)
	}
	if code == "" && image == "" {
		return nil, apperrors.Validation("QR payload has neither code nor image", map[string]any{"instance": name})
	}

	if s.qr != nil {
		if image == "" {
			rendered, err := s.qr.DataURL(code)
			if err != nil {
				log.Warn().Err(err).Str("instance", name).Msg("Failed to render QR code")
			} else {
				image = rendered
			}
		}
		s.qr.PrintTerminal(name, code)
	}
	if image == "" {
		image = code
	}

	if err := s.store.UpdateInstanceQR(ctx, name, image, pairing); err != nil {
		return nil, apperrors.Persistence(err, "failed to store QR code of instance "+name)
	}
	update := &QRUpdate{Instance: name, Base64: image, PairingCode: pairing}
	log.Info().Str("instance", name).Bool("pairingCode", pairing != "").Msg("Instance QR code updated")
	s.publish(ctx, name, realtime.EventQRUpdated, update)
	return update, nil
}

// ApplyStartup handles APPLICATION_STARTUP: the gateway restarted and the
// session is reconnecting.
func (s *InstanceService) ApplyStartup(ctx context.Context, name string) error {
	if err := s.store.UpdateInstanceState(ctx, name, models.InstanceConnecting); err != nil {
		return apperrors.Persistence(err, "failed to update state of instance "+name)
	}
	log.Info().Str("instance", name).Msg("Instance starting up")
	s.publish(ctx, name, realtime.EventInstanceStartup, map[string]any{
		"instance": name,
		"state":    models.InstanceConnecting,
	})
	return nil
}

func (s *InstanceService) publish(ctx context.Context, name, event string, payload any) {
	s.publisher.Publish(ctx, realtime.Event{
		Room:      realtime.InstanceRoom(name),
		Name:      event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
