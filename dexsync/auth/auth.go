// Package auth provides the identity used to gate favorites and trade
// operations.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dexsync/dexsync/config"
	"dexsync/dexsync/docstore"

	"github.com/google/uuid"
)

// Provider exposes the current user identity.
type Provider interface {
	// CurrentUserID returns the signed-in user's id, or false when no user
	// is signed in.
	CurrentUserID() (string, bool)

	// SignInAnonymously establishes a fresh anonymous identity and returns
	// its id.
	SignInAnonymously(ctx context.Context) (string, error)
}

// AnonymousProvider mints uuid identities and materializes the matching
// user document in the remote store on first sign-in.
type AnonymousProvider struct {
	store docstore.Store

	mu  sync.RWMutex
	uid string
}

func NewAnonymousProvider(store docstore.Store) *AnonymousProvider {
	return &AnonymousProvider{store: store}
}

func (p *AnonymousProvider) CurrentUserID() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uid, p.uid != ""
}

func (p *AnonymousProvider) SignInAnonymously(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.uid != "" {
		return p.uid, nil
	}

	uid := uuid.NewString()

	// The uid is freshly minted, so seeding an empty favorites set cannot
	// collide with another client's document.
	err := p.store.Update(ctx, config.UsersCollection, uid,
		docstore.Set(config.FavoritesField, []int64{}))
	if err != nil {
		return "", fmt.Errorf("failed to create user document: %w", err)
	}

	p.uid = uid
	slog.Info("Signed in anonymously",
		slog.String("type", "doc"),
		slog.String("uid", uid))
	return uid, nil
}

// SetUserID installs an externally obtained identity, for clients that
// restore a previous session.
func (p *AnonymousProvider) SetUserID(uid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uid = uid
}
