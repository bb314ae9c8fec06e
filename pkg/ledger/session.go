package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Sessions resolves identities for signed-in users. The admin flag always
// comes from the directory and never from what the client presents.
type Sessions struct {
	directory AdminDirectory
	notifier  Notifier
}

// NewSessions wires a Sessions resolver. notifier may be nil.
func NewSessions(directory AdminDirectory, notifier Notifier) (*Sessions, error) {
	if directory == nil {
		return nil, fmt.Errorf("%w: admin directory dependency is nil", ErrInvalidServiceConfig)
	}
	return &Sessions{directory: directory, notifier: notifier}, nil
}

// Resolve builds the identity for a provider-issued user id and display name.
func (sessions *Sessions) Resolve(ctx context.Context, rawUserID string, displayName string) (Identity, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Identity{}, err
	}
	isAdmin, err := sessions.directory.IsAdmin(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:      userID,
		DisplayName: strings.TrimSpace(displayName),
		IsAdmin:     isAdmin,
	}, nil
}

// SignIn resolves the identity and announces it to the view.
func (sessions *Sessions) SignIn(ctx context.Context, rawUserID string, displayName string) (Identity, error) {
	identity, err := sessions.Resolve(ctx, rawUserID, displayName)
	if err != nil {
		return Identity{}, err
	}
	if sessions.notifier != nil {
		sessions.notifier.IdentityChanged(ctx, identity.UserID, identity)
	}
	return identity, nil
}

// SignOut clears the identity. Ledger and totals are untouched.
func (sessions *Sessions) SignOut(ctx context.Context, identity Identity) Identity {
	if sessions.notifier != nil && identity.IsAuthenticated() {
		sessions.notifier.IdentityChanged(ctx, identity.UserID, Identity{})
	}
	return Identity{}
}
