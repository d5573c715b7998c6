package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/normalizer"
	"evolution-crm-bridge/internal/store"
)

// Routing is the department assigned to new tickets.
type Routing struct {
	DepartmentID   string
	DepartmentName string
}

// ResolverConfig carries the defaults used when an instance has no routing
// metadata of its own.
type ResolverConfig struct {
	Channel        string
	DefaultRouting Routing
	RoutingTTL     time.Duration
}

// Resolver finds or creates the customer and the active ticket for an
// inbound message. Uniqueness is enforced by the store; the resolver never
// locks.
type Resolver struct {
	store   *store.Store
	cfg     ResolverConfig
	routing *cache.Cache
}

// NewResolver creates a new Resolver.
func NewResolver(st *store.Store, cfg ResolverConfig) (*Resolver, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil for Resolver")
	}
	if cfg.Channel == "" {
		cfg.Channel = "whatsapp"
	}
	if cfg.RoutingTTL <= 0 {
		cfg.RoutingTTL = 5 * time.Minute
	}
	return &Resolver{
		store:   st,
		cfg:     cfg,
		routing: cache.New(cfg.RoutingTTL, 2*cfg.RoutingTTL),
	}, nil
}

// Channel is the ticket channel this resolver assigns.
func (r *Resolver) Channel() string {
	return r.cfg.Channel
}

// ResolveCustomer returns the customer for identity, creating it on first
// contact. pushName upgrades a placeholder name; outbound messages never
// touch the name because their pushName is the agent's own.
func (r *Resolver) ResolveCustomer(ctx context.Context, identity normalizer.Identity, pushName string, outbound bool) (*models.Customer, error) {
	name := strings.TrimSpace(pushName)
	placeholder := outbound || name == "" || name == identity.Key
	if placeholder {
		name = identity.Key
	}

	customer, err := r.store.UpsertCustomer(ctx, models.Customer{
		ID:                uuid.NewString(),
		IdentityKey:       identity.Key,
		DisplayName:       name,
		NameIsPlaceholder: placeholder,
		WhatsAppJID:       identity.JID,
		Source:            r.cfg.Channel,
	})
	if err != nil {
		log.Error().Err(err).Str("identityKey", identity.Key).Msg("Failed to resolve customer")
		return nil, apperrors.EntityResolution(err, "failed to resolve customer "+identity.Key)
	}
	return customer, nil
}

// ResolveTicket returns the customer's active ticket on the channel, or
// opens one routed to the instance's department. created reports whether a
// new ticket was opened by this call.
func (r *Resolver) ResolveTicket(ctx context.Context, customer *models.Customer, instanceName string) (*models.Ticket, bool, error) {
	if customer == nil {
		return nil, false, fmt.Errorf("customer cannot be nil")
	}

	ticket, err := r.store.FindActiveTicket(ctx, customer.ID, r.cfg.Channel)
	if err == nil {
		return ticket, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, apperrors.EntityResolution(err, "failed to look up ticket for customer "+customer.ID)
	}

	routing := r.instanceRouting(ctx, instanceName)
	ticket, created, err := r.store.OpenTicket(ctx, models.Ticket{
		ID:             uuid.NewString(),
		CustomerID:     customer.ID,
		InstanceName:   instanceName,
		Channel:        r.cfg.Channel,
		Title:          "WhatsApp - " + customer.DisplayName,
		DepartmentID:   routing.DepartmentID,
		DepartmentName: routing.DepartmentName,
	})
	if err != nil {
		log.Error().Err(err).Str("customerID", customer.ID).Str("instance", instanceName).Msg("Failed to open ticket")
		return nil, false, apperrors.EntityResolution(err, "failed to open ticket for customer "+customer.ID)
	}
	if created {
		log.Info().
			Str("ticketID", ticket.ID).
			Str("customerID", customer.ID).
			Str("instance", instanceName).
			Str("department", ticket.DepartmentName).
			Msg("Opened new ticket")
	}
	return ticket, created, nil
}

func (r *Resolver) instanceRouting(ctx context.Context, instanceName string) Routing {
	if cached, found := r.routing.Get(instanceName); found {
		return cached.(Routing)
	}
	routing := r.cfg.DefaultRouting
	inst, err := r.store.GetInstance(ctx, instanceName)
	switch {
	case err == nil && inst.DepartmentID != "":
		routing = Routing{DepartmentID: inst.DepartmentID, DepartmentName: inst.DepartmentName}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		// Fall back to the default without caching so the next ticket retries.
		log.Warn().Err(err).Str("instance", instanceName).Msg("Failed to load instance routing, using default department")
		return routing
	}
	r.routing.SetDefault(instanceName, routing)
	return routing
}
