// Package identity keeps the durable records that let anonymous devices
// rejoin a pairing session after their code has rotated or expired.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"matchboard/remote/internal/logging"
)

// ErrUnknownIdentity signals that a reconnect identity is not on record.
var ErrUnknownIdentity = errors.New("unknown reconnect identity")

// ErrUnknownGroup signals that a reconnect-group id is not on record.
var ErrUnknownGroup = errors.New("unknown reconnect group")

// ErrInvalidExpiration signals an attempt to move a group expiry into the past.
var ErrInvalidExpiration = errors.New("group expiry must be in the future")

// AnonymousUser is the durable record for one anonymous device. Identifiers
// are generated once and never reused; the owning group is mandatory.
type AnonymousUser struct {
	ID            string    `json:"id"`
	GroupID       string    `json:"group_id"`
	LastConnected time.Time `json:"last_connected"`
}

// ReconnectGroup ties together the identities minted for one pairing session
// lineage. Expiry is always in the future at write time; last-active may be
// refreshed independently of expiry.
type ReconnectGroup struct {
	ID         string    `json:"id"`
	Expiry     time.Time `json:"expiry"`
	LastActive time.Time `json:"last_active"`
	Identities []string  `json:"identities"`
}

type snapshotFile struct {
	SavedAt    time.Time        `json:"saved_at"`
	Groups     []ReconnectGroup `json:"groups"`
	Identities []AnonymousUser  `json:"identities"`
}

// Option customises Store construction.
type Option func(*Store)

// WithClock overrides the store's time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Store holds identities and groups in memory and persists snappy-compressed
// JSON snapshots in the background. An empty path keeps the store volatile.
type Store struct {
	mu         sync.RWMutex
	path       string
	interval   time.Duration
	log        *logging.Logger
	now        func() time.Time
	groups     map[string]*ReconnectGroup
	identities map[string]*AnonymousUser
	dirty      bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Open loads any existing snapshot from path and starts the flush loop.
func Open(path string, interval time.Duration, logger *logging.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	store := &Store{
		path:       path,
		interval:   interval,
		log:        logger,
		now:        time.Now,
		groups:     make(map[string]*ReconnectGroup),
		identities: make(map[string]*AnonymousUser),
		flushCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	go store.loop()
	return store, nil
}

// CreateGroup mints a reconnect group whose expiry sits window in the future.
func (s *Store) CreateGroup(window time.Duration) (ReconnectGroup, error) {
	if window <= 0 {
		return ReconnectGroup{}, ErrInvalidExpiration
	}
	now := s.now()
	group := &ReconnectGroup{
		ID:         uuid.NewString(),
		Expiry:     now.Add(window),
		LastActive: now,
	}
	s.mu.Lock()
	s.groups[group.ID] = group
	s.dirty = true
	s.mu.Unlock()
	s.requestFlush()
	return *group, nil
}

// Group returns a copy of the group on record for id.
func (s *Store) Group(id string) (ReconnectGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[id]
	if !ok {
		return ReconnectGroup{}, ErrUnknownGroup
	}
	return cloneGroup(group), nil
}

// CreateIdentity mints a fresh identity owned by groupID. The returned id is
// what devices persist client-side to enable later reconnection.
func (s *Store) CreateIdentity(groupID string) (AnonymousUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return AnonymousUser{}, ErrUnknownGroup
	}
	user := &AnonymousUser{
		ID:            uuid.NewString(),
		GroupID:       groupID,
		LastConnected: s.now(),
	}
	s.identities[user.ID] = user
	group.Identities = append(group.Identities, user.ID)
	s.dirty = true
	s.requestFlush()
	return *user, nil
}

// Identity returns a copy of the identity on record for id.
func (s *Store) Identity(id string) (AnonymousUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.identities[id]
	if !ok {
		return AnonymousUser{}, ErrUnknownIdentity
	}
	return *user, nil
}

// TouchIdentity records a successful rejoin for id.
func (s *Store) TouchIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.identities[id]
	if !ok {
		return ErrUnknownIdentity
	}
	user.LastConnected = s.now()
	s.dirty = true
	s.requestFlush()
	return nil
}

// UpdateGroupExpiration moves the group expiry to newExpiry. An expiry at or
// before the current time is rejected and the group is left unchanged.
func (s *Store) UpdateGroupExpiration(groupID string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	if !newExpiry.After(s.now()) {
		return ErrInvalidExpiration
	}
	group.Expiry = newExpiry
	s.dirty = true
	s.requestFlush()
	return nil
}

// ReactivateGroup refreshes the group's last-active timestamp. Expiry is
// deliberately untouched.
func (s *Store) ReactivateGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	group.LastActive = s.now()
	s.dirty = true
	s.requestFlush()
	return nil
}

// Counts reports how many groups and identities are on record.
func (s *Store) Counts() (groups, identities int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups), len(s.identities)
}

// Flush immediately persists the current state to disk.
func (s *Store) Flush() error {
	if s == nil || s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	file := snapshotFile{SavedAt: s.now().UTC()}
	file.Groups = make([]ReconnectGroup, 0, len(s.groups))
	for _, group := range s.groups {
		file.Groups = append(file.Groups, cloneGroup(group))
	}
	file.Identities = make([]AnonymousUser, 0, len(s.identities))
	for _, user := range s.identities {
		file.Identities = append(file.Identities, *user)
	}
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	if err := os.WriteFile(s.path, snappy.Encode(nil, data), 0o644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close stops the flush loop and persists any pending state.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	compressed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("decode identity snapshot %s: %w", s.path, err)
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse identity snapshot %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range file.Groups {
		group := cloneGroup(&file.Groups[i])
		s.groups[group.ID] = &group
	}
	for i := range file.Identities {
		user := file.Identities[i]
		s.identities[user.ID] = &user
	}
	return nil
}

func (s *Store) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist identity snapshot", logging.Error(err))
	}
}

// requestFlush nudges the background loop without blocking the caller.
// Callers hold s.mu; the channel send itself never blocks.
func (s *Store) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func cloneGroup(group *ReconnectGroup) ReconnectGroup {
	clone := *group
	clone.Identities = append([]string(nil), group.Identities...)
	return clone
}
