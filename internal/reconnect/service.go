// Package reconnect lets a previously paired device rejoin a rotated code
// without the user re-typing it.
package reconnect

import (
	"context"
	"errors"
	"strings"
	"time"

	"matchboard/remote/internal/code"
	"matchboard/remote/internal/identity"
	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/membership"
	"matchboard/remote/internal/registry"
)

// ErrInvalidRequest signals that a required field was missing or blank.
var ErrInvalidRequest = errors.New("principal and identity fields are required")

// ErrNoPrecachedIdentity signals that the handshake arrived without a live
// pre-cache entry, so the principal cannot be mapped to an identity.
var ErrNoPrecachedIdentity = errors.New("no pre-cached identity for principal")

// Options configures the auto-reconnect service.
type Options struct {
	Store       registry.Store
	Identities  *identity.Store
	Membership  *membership.Service
	PrecacheTTL time.Duration
	BindingTTL  time.Duration
	GroupExpiry time.Duration
	Logger      *logging.Logger
}

// Service links durable reconnect groups to whichever remote code is
// currently live for them. It owns the autoremote_* registry keys.
type Service struct {
	store       registry.Store
	identities  *identity.Store
	membership  *membership.Service
	precacheTTL time.Duration
	bindingTTL  time.Duration
	groupExpiry time.Duration
	log         *logging.Logger
}

// NewService constructs an auto-reconnect service from the supplied options.
func NewService(opts Options) *Service {
	precacheTTL := opts.PrecacheTTL
	if precacheTTL <= 0 {
		precacheTTL = 5 * time.Minute
	}
	bindingTTL := opts.BindingTTL
	if bindingTTL <= 0 {
		bindingTTL = 6 * time.Hour
	}
	groupExpiry := opts.GroupExpiry
	if groupExpiry <= 0 {
		groupExpiry = 30 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Service{
		store:       opts.Store,
		identities:  opts.Identities,
		membership:  opts.Membership,
		precacheTTL: precacheTTL,
		bindingTTL:  bindingTTL,
		groupExpiry: groupExpiry,
		log:         logger,
	}
}

// CacheIdentityBeforeReconnect bridges the HTTP request, where the reconnect
// cookie is readable, to the realtime handshake, where it is not. The entry
// is short-lived and keyed by the caller's principal.
func (s *Service) CacheIdentityBeforeReconnect(ctx context.Context, principal, identityID string) error {
	principal = strings.TrimSpace(principal)
	identityID = strings.TrimSpace(identityID)
	if principal == "" || identityID == "" {
		return ErrInvalidRequest
	}
	if _, err := s.identities.Identity(identityID); err != nil {
		return err
	}
	return s.store.Set(ctx, registry.PrecacheKey(principal), identityID, s.precacheTTL)
}

// Enroll opts a device on activeCode into auto-reconnect. The group already
// bound to the code is reused when present; otherwise a fresh group is
// created and bound in both directions. A new identity owned by the group is
// always minted, and its id is what the device must persist client-side.
func (s *Service) Enroll(ctx context.Context, activeCode string) (string, error) {
	activeCode = strings.TrimSpace(activeCode)
	if activeCode == "" {
		return "", ErrInvalidRequest
	}
	if !s.membership.IsValid(ctx, activeCode) {
		return "", membership.ErrInvalidCode
	}
	groupID, err := s.groupForCode(ctx, activeCode)
	if errors.Is(err, registry.ErrNotFound) {
		groupID = ""
	} else if err != nil {
		return "", err
	}
	if groupID != "" {
		//1.- A stale binding can outlive a pruned snapshot; fall back to a new group.
		if _, err := s.identities.Group(groupID); errors.Is(err, identity.ErrUnknownGroup) {
			groupID = ""
		} else if err != nil {
			return "", err
		}
	}
	if groupID == "" {
		group, err := s.identities.CreateGroup(s.groupExpiry)
		if err != nil {
			return "", err
		}
		groupID = group.ID
		if err := s.bind(ctx, groupID, activeCode); err != nil {
			return "", err
		}
	}
	user, err := s.identities.CreateIdentity(groupID)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// Connect resolves the caller's pre-cached identity and rejoins the group's
// active code, issuing and binding a fresh one when no live binding exists.
func (s *Service) Connect(ctx context.Context, principal, nickname string) (code.Code, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" || strings.TrimSpace(nickname) == "" {
		return "", ErrInvalidRequest
	}
	identityID, err := s.store.Get(ctx, registry.PrecacheKey(principal))
	if errors.Is(err, registry.ErrNotFound) {
		return "", ErrNoPrecachedIdentity
	}
	if err != nil {
		return "", err
	}
	user, err := s.identities.Identity(identityID)
	if err != nil {
		return "", err
	}

	active, err := s.activeCode(ctx, user.GroupID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return "", err
	}
	var joined code.Code
	if active != "" && s.membership.IsValid(ctx, active) {
		if err := s.membership.Subscribe(ctx, active, principal, nickname); err != nil {
			return "", err
		}
		joined = code.Code(active)
	} else {
		//1.- The previous code is gone; start a fresh session bound to the same group.
		issued, err := s.membership.Issue(ctx, principal, nickname)
		if err != nil {
			return "", err
		}
		if err := s.bind(ctx, user.GroupID, issued.String()); err != nil {
			return "", err
		}
		joined = issued
	}

	if err := s.identities.TouchIdentity(user.ID); err != nil {
		s.log.Warn("identity touch failed", logging.String("identity", user.ID), logging.Error(err))
	}
	if err := s.identities.ReactivateGroup(user.GroupID); err != nil {
		s.log.Warn("group reactivation failed", logging.String("group", user.GroupID), logging.Error(err))
	}
	return joined, nil
}

// UpdateGroupExpiration validates and applies a new group expiry.
func (s *Service) UpdateGroupExpiration(groupID string, newExpiry time.Time) error {
	return s.identities.UpdateGroupExpiration(groupID, newExpiry)
}

// ReactivateGroup refreshes the group's last-active timestamp only.
func (s *Service) ReactivateGroup(groupID string) error {
	return s.identities.ReactivateGroup(groupID)
}

// bind writes the mirrored binding keys with a shared TTL. Lookups happen in
// both directions at different points of the protocol: a reconnecting device
// knows only its group, while expiring-code cleanup knows only the code.
func (s *Service) bind(ctx context.Context, groupID, activeCode string) error {
	if err := s.store.Set(ctx, registry.GroupBindingKey(groupID), activeCode, s.bindingTTL); err != nil {
		return err
	}
	return s.store.Set(ctx, registry.CodeBindingKey(activeCode), groupID, s.bindingTTL)
}

func (s *Service) activeCode(ctx context.Context, groupID string) (string, error) {
	return s.store.Get(ctx, registry.GroupBindingKey(groupID))
}

func (s *Service) groupForCode(ctx context.Context, activeCode string) (string, error) {
	return s.store.Get(ctx, registry.CodeBindingKey(activeCode))
}
