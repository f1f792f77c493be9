package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrAdminWrongChat = errors.New("admin command used outside the allowed group")
	ErrAdminOnly      = errors.New("admin command used by a non-admin")
)

// AccessStats is a read-only snapshot of the gate.
type AccessStats struct {
	Count        int
	GratisMode   bool
	AllowedGroup *int64
}

// AccessGate decides whether a (user, chat) pair may use the bot and owns the
// authorized-user set and the gratis flag. Every mutation is persisted through
// the AuthorizationStore before it returns.
type AccessGate struct {
	adminID      int64
	allowedGroup *int64
	store        AuthorizationStore
	log          zerolog.Logger

	mu     sync.RWMutex
	users  map[int64]struct{}
	gratis bool
}

// NewAccessGate loads the persisted record. A corrupt record is replaced by
// the empty default and is not an error.
func NewAccessGate(adminID int64, allowedGroup *int64, store AuthorizationStore, logger zerolog.Logger) *AccessGate {
	g := &AccessGate{
		adminID:      adminID,
		allowedGroup: allowedGroup,
		store:        store,
		log:          logger.With().Str("component", "access").Logger(),
		users:        make(map[int64]struct{}),
	}
	rec, err := store.Load()
	if err != nil {
		g.log.Warn().Err(err).Str("kind", KindPersistenceCorrupt.String()).Msg("authorization record unreadable, starting from defaults")
		rec = AuthorizationRecord{}
	}
	for _, id := range rec.AuthorizedUsers {
		g.users[id] = struct{}{}
	}
	g.gratis = rec.GratisMode
	g.log.Info().Int("authorized", len(g.users)).Bool("gratis", g.gratis).Msg("authorization record loaded")
	return g
}

func (g *AccessGate) IsAdmin(userID int64) bool {
	return userID == g.adminID
}

func (g *AccessGate) IsAuthorized(userID int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.users[userID]
	return ok
}

// CanUse infers privacy from the chat id: Telegram private chats have
// positive ids, groups and channels negative ones.
func (g *AccessGate) CanUse(userID, chatID int64) bool {
	return g.CanUseIn(userID, chatID, chatID > 0)
}

// CanUseIn applies, first match wins: gratis mode, private chat membership,
// allowed group.
func (g *AccessGate) CanUseIn(userID, chatID int64, private bool) bool {
	g.mu.RLock()
	gratis := g.gratis
	g.mu.RUnlock()
	if gratis {
		return true
	}
	if private {
		return g.IsAuthorized(userID)
	}
	if g.allowedGroup != nil {
		return chatID == *g.allowedGroup
	}
	return true
}

// CheckAdmin gates the administrative commands. The admin may use them from
// any chat. Anyone else has to be in the allowed group and be the admin, so a
// non-admin is always refused.
func (g *AccessGate) CheckAdmin(userID, chatID int64) error {
	if g.IsAdmin(userID) {
		return nil
	}
	if g.allowedGroup == nil || chatID != *g.allowedGroup {
		return ErrAdminWrongChat
	}
	if !g.IsAdmin(userID) {
		return ErrAdminOnly
	}
	return nil
}

// AddUser is idempotent and reports true once the user is authorized.
func (g *AccessGate) AddUser(userID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, existed := g.users[userID]
	g.users[userID] = struct{}{}
	if err := g.persistLocked(); err != nil {
		if !existed {
			delete(g.users, userID)
		}
		return false, err
	}
	return true, nil
}

// RemoveUser reports whether the user was authorized. Nothing is written when
// it was not.
func (g *AccessGate) RemoveUser(userID int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.users[userID]; !ok {
		return false, nil
	}
	delete(g.users, userID)
	if err := g.persistLocked(); err != nil {
		g.users[userID] = struct{}{}
		return false, err
	}
	return true, nil
}

func (g *AccessGate) SetGratisMode(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.gratis
	g.gratis = enabled
	if err := g.persistLocked(); err != nil {
		g.gratis = prev
		return err
	}
	return nil
}

func (g *AccessGate) Stats() AccessStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return AccessStats{
		Count:        len(g.users),
		GratisMode:   g.gratis,
		AllowedGroup: g.allowedGroup,
	}
}

// AuthorizedUsers returns the authorized ids in ascending order.
func (g *AccessGate) AuthorizedUsers() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedUsersLocked()
}

func (g *AccessGate) sortedUsersLocked() []int64 {
	ids := make([]int64, 0, len(g.users))
	for id := range g.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// persistLocked must be called with g.mu held for writing.
func (g *AccessGate) persistLocked() error {
	rec := AuthorizationRecord{
		AuthorizedUsers: g.sortedUsersLocked(),
		GratisMode:      g.gratis,
	}
	if err := g.store.Save(rec); err != nil {
		return fmt.Errorf("saving authorization record: %w", err)
	}
	return nil
}
