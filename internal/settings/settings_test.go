package settings

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
)

func TestNewStoreFallsBackToDefaults(t *testing.T) {
	local := localstore.NewMemoryStore()
	if err := local.Write(localstore.KeySettings, []byte(`{"theme":"neon","fontSize":"large"}`)); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	store, err := NewStore(local)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current := store.Current()
	if current.Theme != "light" {
		t.Fatalf("expected unknown theme to fall back to light, got %q", current.Theme)
	}
	if current.FontSize != "large" {
		t.Fatalf("expected stored font size to survive, got %q", current.FontSize)
	}
	if current.FontFamily != "serif" || current.LineHeight != "normal" {
		t.Fatalf("expected missing fields to use defaults, got %#v", current)
	}
}

func TestNewStoreIgnoresCorruptPayload(t *testing.T) {
	local := localstore.NewMemoryStore()
	if err := local.Write(localstore.KeySettings, []byte(`not json`)); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	store, err := NewStore(local)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Current() != Default() {
		t.Fatalf("expected defaults, got %#v", store.Current())
	}
}

func TestSetPersistsAndValidates(t *testing.T) {
	local := localstore.NewMemoryStore()
	store, err := NewStore(local)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.Set(FieldTheme, "sepia"); err != nil {
		t.Fatalf("unexpected error setting theme: %v", err)
	}
	if _, err := store.Set(FieldTheme, "neon"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := store.Set("margin", "wide"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}

	reloaded, err := NewStore(local)
	if err != nil {
		t.Fatalf("unexpected error reloading: %v", err)
	}
	if reloaded.Current().Theme != "sepia" {
		t.Fatalf("expected persisted theme, got %q", reloaded.Current().Theme)
	}

	if _, err := reloaded.Reset(); err != nil {
		t.Fatalf("unexpected error resetting: %v", err)
	}
	if reloaded.Current() != Default() {
		t.Fatalf("expected defaults after reset, got %#v", reloaded.Current())
	}
}
