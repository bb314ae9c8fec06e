package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestSessionsResolveAdminFromDirectory(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	admin := mustUserID(test, "github:admin")
	store.admins[admin] = true
	notifier := &recordingNotifier{}
	sessions, err := NewSessions(store, notifier)
	if err != nil {
		test.Fatalf("sessions: %v", err)
	}

	identity, err := sessions.SignIn(context.Background(), "github:admin", " Grace ")
	if err != nil {
		test.Fatalf("sign in: %v", err)
	}
	if !identity.IsAdmin || identity.DisplayName != "Grace" || !identity.IsAuthenticated() {
		test.Fatalf("unexpected identity %+v", identity)
	}
	member, err := sessions.Resolve(context.Background(), "github:member", "Ada")
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if member.IsAdmin {
		test.Fatalf("expected member not to be admin")
	}
	if len(notifier.identities) != 1 || notifier.subjects[0] != admin {
		test.Fatalf("expected only sign in to notify, got %+v", notifier.identities)
	}

	signedOut := sessions.SignOut(context.Background(), identity)
	if signedOut.IsAuthenticated() || signedOut.IsAdmin {
		test.Fatalf("expected anonymous identity after sign out")
	}
	if len(notifier.identities) != 2 || notifier.identities[1].IsAuthenticated() || notifier.subjects[1] != admin {
		test.Fatalf("expected sign out notification for %s", admin)
	}
}

func TestSessionsErrors(test *testing.T) {
	test.Parallel()
	if _, err := NewSessions(nil, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	store := newStubStore(test)
	sessions, err := NewSessions(store, nil)
	if err != nil {
		test.Fatalf("sessions: %v", err)
	}
	if _, err := sessions.Resolve(context.Background(), " ", "Ada"); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	store.adminError = errors.New("timeout")
	if _, err := sessions.SignIn(context.Background(), "github:member", "Ada"); !errors.Is(err, ErrStore) {
		test.Fatalf("expected ErrStore, got %v", err)
	}
}
