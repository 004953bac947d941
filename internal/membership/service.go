// Package membership issues pairing codes and tracks who is subscribed to them.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"matchboard/remote/internal/code"
	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/registry"
)

// ErrInvalidCode signals that a pairing code is absent from the registry,
// either because it expired or because its last subscriber left.
var ErrInvalidCode = errors.New("invalid remote code")

// ErrEmptyNickname signals that a join request carried no display name.
var ErrEmptyNickname = errors.New("nickname must not be blank")

// member pairs a durable subscriber identifier with its display nickname.
// Roster order is insertion order and is preserved across updates.
type member struct {
	ID       string `json:"id"`
	Nickname string `json:"nick"`
}

// Options configures the membership service.
type Options struct {
	Store       registry.Store
	Generator   *code.Generator
	CodeTTL     time.Duration
	MaxAttempts int
	Logger      *logging.Logger
}

// Service owns every read and write of the remote:{code} registry entries.
type Service struct {
	store       registry.Store
	generator   *code.Generator
	ttl         time.Duration
	maxAttempts int
	log         *logging.Logger
	issued      atomic.Uint64
}

// NewService constructs a membership service from the supplied options.
func NewService(opts Options) *Service {
	generator := opts.Generator
	if generator == nil {
		generator = code.NewGenerator(6)
	}
	ttl := opts.CodeTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Service{
		store:       opts.Store,
		generator:   generator,
		ttl:         ttl,
		maxAttempts: attempts,
		log:         logger,
	}
}

// Issue mints a fresh code owned by ownerID and registers the owner as its
// sole subscriber. Generation retries on collision up to the configured cap.
func (s *Service) Issue(ctx context.Context, ownerID, nickname string) (code.Code, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", fmt.Errorf("owner id must not be blank")
	}
	if strings.TrimSpace(nickname) == "" {
		return "", ErrEmptyNickname
	}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		candidate, err := s.generator.Next()
		if err != nil {
			return "", err
		}
		taken, err := s.store.Exists(ctx, registry.CodeKey(candidate.String()))
		if err != nil {
			return "", err
		}
		if taken {
			//1.- Collisions are effectively impossible with the configured keyspace,
			// so repeated hits point at a stuck registry rather than bad luck.
			s.log.Warn("remote code collision", logging.String("code", candidate.String()), logging.Int("attempt", attempt+1))
			continue
		}
		roster := []member{{ID: ownerID, Nickname: strings.TrimSpace(nickname)}}
		if err := s.saveRoster(ctx, candidate.String(), roster); err != nil {
			return "", err
		}
		s.issued.Add(1)
		return candidate, nil
	}
	return "", code.ErrExhausted
}

// Issued reports how many codes this service has minted since start. Every
// issuance path counts, including reconnect-driven reissues.
func (s *Service) Issued() uint64 {
	return s.issued.Load()
}

// Subscribe adds subscriberID to the roster of an existing code. Re-joining
// with the same id overwrites the nickname instead of duplicating the entry.
func (s *Service) Subscribe(ctx context.Context, remoteCode, subscriberID, nickname string) error {
	trimmed := strings.TrimSpace(nickname)
	if trimmed == "" {
		return ErrEmptyNickname
	}
	roster, err := s.loadRoster(ctx, remoteCode)
	if err != nil {
		return err
	}
	updated := false
	for i := range roster {
		if roster[i].ID == subscriberID {
			roster[i].Nickname = trimmed
			updated = true
			break
		}
	}
	if !updated {
		roster = append(roster, member{ID: subscriberID, Nickname: trimmed})
	}
	return s.saveRoster(ctx, remoteCode, roster)
}

// Unsubscribe removes subscriberID from the roster. When the roster empties
// the registry key is deleted outright so the code can never resurrect.
// Transport teardown can replay the same leave twice; removal of an absent id
// or an already-deleted code is a deliberate no-op.
func (s *Service) Unsubscribe(ctx context.Context, remoteCode, subscriberID string) error {
	roster, err := s.loadRoster(ctx, remoteCode)
	if errors.Is(err, ErrInvalidCode) {
		return nil
	}
	if err != nil {
		return err
	}
	kept := roster[:0]
	for _, m := range roster {
		if m.ID != subscriberID {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(roster) {
		return nil
	}
	if len(kept) == 0 {
		return s.store.Delete(ctx, registry.CodeKey(remoteCode))
	}
	return s.saveRoster(ctx, remoteCode, kept)
}

// Members returns the roster nicknames in insertion order.
func (s *Service) Members(ctx context.Context, remoteCode string) ([]string, error) {
	roster, err := s.loadRoster(ctx, remoteCode)
	if err != nil {
		return nil, err
	}
	nicknames := make([]string, 0, len(roster))
	for _, m := range roster {
		nicknames = append(nicknames, m.Nickname)
	}
	return nicknames, nil
}

// MemberDetails returns parallel slices of subscriber ids and nicknames in
// insertion order.
func (s *Service) MemberDetails(ctx context.Context, remoteCode string) (ids, nicknames []string, err error) {
	roster, err := s.loadRoster(ctx, remoteCode)
	if err != nil {
		return nil, nil, err
	}
	ids = make([]string, 0, len(roster))
	nicknames = make([]string, 0, len(roster))
	for _, m := range roster {
		ids = append(ids, m.ID)
		nicknames = append(nicknames, m.Nickname)
	}
	return ids, nicknames, nil
}

// Broadcast refreshes the code's TTL and invokes send once per subscriber,
// skipping the sender so a device never echoes its own command back. One
// failed delivery is logged and does not abort the remaining fan-out.
func (s *Service) Broadcast(ctx context.Context, remoteCode, senderID string, send func(subscriberID string) error) error {
	roster, err := s.loadRoster(ctx, remoteCode)
	if err != nil {
		return err
	}
	if err := s.store.Expire(ctx, registry.CodeKey(remoteCode), s.ttl); err != nil {
		s.log.Warn("code ttl refresh failed", logging.String("code", remoteCode), logging.Error(err))
	}
	for _, m := range roster {
		if m.ID == senderID {
			continue
		}
		if err := send(m.ID); err != nil {
			s.log.Warn("broadcast delivery failed",
				logging.String("code", remoteCode),
				logging.String("subscriber", m.ID),
				logging.Error(err))
		}
	}
	return nil
}

// IsValid reports whether the code currently exists in the registry.
func (s *Service) IsValid(ctx context.Context, remoteCode string) bool {
	exists, err := s.store.Exists(ctx, registry.CodeKey(remoteCode))
	if err != nil {
		s.log.Warn("code validity check failed", logging.String("code", remoteCode), logging.Error(err))
		return false
	}
	return exists
}

func (s *Service) loadRoster(ctx context.Context, remoteCode string) ([]member, error) {
	raw, err := s.store.Get(ctx, registry.CodeKey(remoteCode))
	if errors.Is(err, registry.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	var roster []member
	if err := json.Unmarshal([]byte(raw), &roster); err != nil {
		return nil, fmt.Errorf("decode roster for %s: %w", remoteCode, err)
	}
	return roster, nil
}

func (s *Service) saveRoster(ctx context.Context, remoteCode string, roster []member) error {
	raw, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("encode roster for %s: %w", remoteCode, err)
	}
	return s.store.Set(ctx, registry.CodeKey(remoteCode), string(raw), s.ttl)
}
