package identity

import (
	"errors"
	"testing"
)

func TestCanSyncRequiresAuthenticatedAccount(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
		want     bool
	}{
		{name: "loading", identity: Loading(), want: false},
		{name: "anonymous", identity: Anonymous("anon-1"), want: false},
		{name: "authenticated", identity: Authenticated("user-1"), want: true},
		{name: "authenticated-without-id", identity: Identity{Status: StatusAuthenticated}, want: false},
		{name: "anonymous-flag-wins", identity: Identity{UserID: "user-1", Status: StatusAuthenticated, IsAnonymous: true}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.CanSync(); got != tt.want {
				t.Fatalf("CanSync() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserIDRejectsBlank(t *testing.T) {
	if _, err := NewUserID(" "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestManualNotifiesOnChangeOnly(t *testing.T) {
	provider := NewManual(Loading())
	var received []Identity
	cancel := provider.Subscribe(func(next Identity) {
		received = append(received, next)
	})

	provider.Set(Anonymous("anon"))
	provider.Set(Anonymous("anon"))
	provider.Set(Authenticated("user-1"))
	cancel()
	provider.Set(Anonymous("anon"))

	if len(received) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(received))
	}
	if received[1].UserID != "user-1" {
		t.Fatalf("unexpected identity %#v", received[1])
	}
	if provider.Current().Status != StatusAnonymous {
		t.Fatalf("expected current identity to follow Set")
	}
}
