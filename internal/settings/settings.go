// Package settings holds device-local display preferences. Settings are
// never synced.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
)

var (
	// ErrUnknownField indicates a settings field name that does not exist.
	ErrUnknownField = errors.New("settings: unknown field")
	// ErrInvalidValue indicates a value outside the field's allowed set.
	ErrInvalidValue = errors.New("settings: invalid value")
)

// Field names accepted by Set.
const (
	FieldTheme      = "theme"
	FieldFontSize   = "fontSize"
	FieldFontFamily = "fontFamily"
	FieldLineHeight = "lineHeight"
)

var allowedValues = map[string][]string{
	FieldTheme:      {"light", "dark", "sepia"},
	FieldFontSize:   {"small", "medium", "large", "xlarge"},
	FieldFontFamily: {"serif", "sans-serif", "monospace"},
	FieldLineHeight: {"compact", "normal", "relaxed"},
}

// Settings are the display preferences of one device.
type Settings struct {
	Theme      string `json:"theme"`
	FontSize   string `json:"fontSize"`
	FontFamily string `json:"fontFamily"`
	LineHeight string `json:"lineHeight"`
}

// Default returns the preferences used before the reader changes anything.
func Default() Settings {
	return Settings{
		Theme:      "light",
		FontSize:   "medium",
		FontFamily: "serif",
		LineHeight: "normal",
	}
}

// Fields lists the field names in display order.
func Fields() []string {
	return []string{FieldTheme, FieldFontSize, FieldFontFamily, FieldLineHeight}
}

// Allowed returns the accepted values of a field.
func Allowed(field string) ([]string, error) {
	values, ok := allowedValues[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return append([]string(nil), values...), nil
}

// Normalize replaces unknown values with the default for that field.
func (s Settings) Normalize() Settings {
	defaults := Default()
	if !isAllowed(FieldTheme, s.Theme) {
		s.Theme = defaults.Theme
	}
	if !isAllowed(FieldFontSize, s.FontSize) {
		s.FontSize = defaults.FontSize
	}
	if !isAllowed(FieldFontFamily, s.FontFamily) {
		s.FontFamily = defaults.FontFamily
	}
	if !isAllowed(FieldLineHeight, s.LineHeight) {
		s.LineHeight = defaults.LineHeight
	}
	return s
}

// Get returns the value of a field.
func (s Settings) Get(field string) (string, error) {
	switch field {
	case FieldTheme:
		return s.Theme, nil
	case FieldFontSize:
		return s.FontSize, nil
	case FieldFontFamily:
		return s.FontFamily, nil
	case FieldLineHeight:
		return s.LineHeight, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

// With returns a copy of the settings with one field changed.
func (s Settings) With(field, value string) (Settings, error) {
	value = strings.TrimSpace(value)
	if _, ok := allowedValues[field]; !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if !isAllowed(field, value) {
		return s, fmt.Errorf("%w: %s=%q", ErrInvalidValue, field, value)
	}
	switch field {
	case FieldTheme:
		s.Theme = value
	case FieldFontSize:
		s.FontSize = value
	case FieldFontFamily:
		s.FontFamily = value
	case FieldLineHeight:
		s.LineHeight = value
	}
	return s, nil
}

func isAllowed(field, value string) bool {
	for _, candidate := range allowedValues[field] {
		if candidate == value {
			return true
		}
	}
	return false
}

// Store persists settings under the settings key of a local store.
type Store struct {
	local   localstore.Store
	mu      sync.Mutex
	current Settings
}

// NewStore loads stored settings, falling back to defaults for missing or
// unreadable values.
func NewStore(local localstore.Store) (*Store, error) {
	if local == nil {
		return nil, fmt.Errorf("settings: local store is required")
	}
	store := &Store{local: local, current: Default()}
	data, found, err := local.Read(localstore.KeySettings)
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	if found {
		loaded := Default()
		if err := json.Unmarshal(data, &loaded); err == nil {
			store.current = loaded.Normalize()
		}
	}
	return store, nil
}

// Current returns the active settings.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set changes one field and persists the result.
func (s *Store) Set(field, value string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.current.With(field, value)
	if err != nil {
		return s.current, err
	}
	if err := s.persist(next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

// Reset restores the defaults.
func (s *Store) Reset() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defaults := Default()
	if err := s.persist(defaults); err != nil {
		return s.current, err
	}
	s.current = defaults
	return defaults, nil
}

func (s *Store) persist(value Settings) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := s.local.Write(localstore.KeySettings, data); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}
