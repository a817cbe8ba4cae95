package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/orderfield/api/internal/platform/auth"
)

var (
	// ErrUnauthorized indicates the caller presented no usable credential.
	ErrUnauthorized = errors.New("access: unauthenticated")
	// ErrForbidden indicates an authenticated caller lacks entitlement. It is
	// deliberately distinct from not-found responses.
	ErrForbidden = errors.New("access: forbidden")
)

// Actor is the authenticated caller as seen by the services layer.
type Actor struct {
	SubjectID string
	Roles     []string
	SellerID  string
}

// ActorFromIdentity converts the transport-level identity into an Actor.
func ActorFromIdentity(identity *auth.Identity) Actor {
	if identity == nil {
		return Actor{}
	}
	return Actor{
		SubjectID: identity.UID,
		Roles:     slices.Clone(identity.Roles),
		SellerID:  identity.SellerID,
	}
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor is an administrator.
func (a Actor) IsAdmin() bool { return a.HasRole(auth.RoleAdmin) }

// IsAuthenticated reports whether any credential backs the actor.
func (a Actor) IsAuthenticated() bool {
	return strings.TrimSpace(a.SubjectID) != "" && len(a.Roles) > 0
}

// Resource names an authorisable surface of the fulfillment engine.
type Resource string

const (
	ResourceOrders    Resource = "orders"
	ResourceShipments Resource = "shipments"
	ResourceRefunds   Resource = "refunds"
	ResourceAuditLogs Resource = "audit_logs"
)

// Action names an operation on a resource.
type Action string

const (
	ActionCreate     Action = "create"
	ActionRead       Action = "read"
	ActionUpdate     Action = "update"
	ActionCancel     Action = "cancel"
	ActionTransition Action = "transition"
	ActionList       Action = "list"
)

// Role-scoped policy: admins act on everything, sellers on fulfillment
// surfaces for their own lines, buyers on their own orders and refunds.
// Row membership only grants candidacy; ownership scoping is enforced by
// the scope helpers below.
var accessPolicy = map[string]map[Resource][]Action{
	auth.RoleAdmin: {
		ResourceOrders:    {ActionCreate, ActionRead, ActionUpdate, ActionCancel, ActionList},
		ResourceShipments: {ActionCreate, ActionRead, ActionUpdate, ActionTransition, ActionList},
		ResourceRefunds:   {ActionCreate, ActionRead, ActionList},
		ResourceAuditLogs: {ActionRead, ActionList},
	},
	auth.RoleSeller: {
		ResourceOrders:    {ActionRead},
		ResourceShipments: {ActionCreate, ActionRead, ActionUpdate, ActionTransition, ActionList},
		ResourceRefunds:   {ActionCreate, ActionRead, ActionList},
	},
	auth.RoleBuyer: {
		ResourceOrders:    {ActionCreate, ActionRead, ActionList},
		ResourceShipments: {ActionRead, ActionList},
		ResourceRefunds:   {ActionCreate, ActionRead, ActionList},
	},
}

// GateDeps bundles collaborators for the access gate.
type GateDeps struct {
	Audit  AuditLogService
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Gate evaluates the role/resource policy table and records denials.
type Gate struct {
	audit  AuditLogService
	logger func(context.Context, string, map[string]any)
}

// NewGate constructs the access gate.
func NewGate(deps GateDeps) *Gate {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Gate{audit: deps.Audit, logger: logger}
}

// Require checks the policy table for the actor. An empty credential yields
// ErrUnauthorized before any resource inspection; an authenticated caller
// without an allowing policy row yields ErrForbidden.
func (g *Gate) Require(ctx context.Context, actor Actor, resource Resource, action Action) error {
	if !actor.IsAuthenticated() {
		return ErrUnauthorized
	}

	for _, role := range actor.Roles {
		allowed, ok := accessPolicy[strings.ToLower(strings.TrimSpace(role))]
		if !ok {
			continue
		}
		if slices.Contains(allowed[resource], action) {
			return nil
		}
	}

	g.deny(ctx, actor, resource, action, "")
	return fmt.Errorf("%w: %s on %s", ErrForbidden, action, resource)
}

// RequireOrderAccess checks the table and the ownership scope for one order:
// buyers must own it, sellers must fulfil at least one of its lines.
func (g *Gate) RequireOrderAccess(ctx context.Context, actor Actor, order Order, resource Resource, action Action) error {
	if err := g.Require(ctx, actor, resource, action); err != nil {
		return err
	}
	if g.OrderInScope(actor, order) {
		return nil
	}
	g.deny(ctx, actor, resource, action, order.ID)
	return fmt.Errorf("%w: order %s out of scope", ErrForbidden, order.ID)
}

// RequireItemAccess additionally scopes sellers to the single line they fulfil.
func (g *Gate) RequireItemAccess(ctx context.Context, actor Actor, order Order, item OrderItem, action Action) error {
	if err := g.Require(ctx, actor, ResourceOrders, action); err != nil {
		return err
	}
	if actor.IsAdmin() {
		return nil
	}
	if actor.HasRole(auth.RoleBuyer) && order.UserID == actor.SubjectID {
		return nil
	}
	if actor.HasRole(auth.RoleSeller) && actor.SellerID != "" && item.SellerID == actor.SellerID {
		return nil
	}
	g.deny(ctx, actor, ResourceOrders, action, item.ID)
	return fmt.Errorf("%w: order item %s out of scope", ErrForbidden, item.ID)
}

// OrderInScope reports whether the actor may see the order at all.
func (g *Gate) OrderInScope(actor Actor, order Order) bool {
	if actor.IsAdmin() {
		return true
	}
	if actor.HasRole(auth.RoleBuyer) && order.UserID == actor.SubjectID {
		return true
	}
	if actor.HasRole(auth.RoleSeller) && actor.SellerID != "" {
		for _, item := range order.Items {
			if item.SellerID == actor.SellerID {
				return true
			}
		}
	}
	return false
}

func (g *Gate) deny(ctx context.Context, actor Actor, resource Resource, action Action, targetRef string) {
	g.logger(ctx, "access.denied", map[string]any{
		"actor":    actor.SubjectID,
		"resource": string(resource),
		"action":   string(action),
		"target":   targetRef,
	})
	if g.audit == nil {
		return
	}
	role := ""
	if len(actor.Roles) > 0 {
		role = actor.Roles[0]
	}
	_, err := g.audit.Record(ctx, RecordAuditLogCommand{
		Actor:     actor.SubjectID,
		ActorRole: role,
		Action:    string(action) + ":" + string(resource),
		TargetRef: targetRef,
		Decision:  "deny",
	})
	if err != nil {
		g.logger(ctx, "access.audit.failed", map[string]any{"error": err.Error()})
	}
}
