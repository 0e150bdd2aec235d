package cfg

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings are the runtime feature toggles. They are loaded once and
// handed to the guard and the store service; nothing reads them globally.
type Settings struct {
	ReadOnly             bool `yaml:"readOnly"`
	RequireAuthForCreate bool `yaml:"requireAuthForCreate"`
	AllowPublicSecrets   bool `yaml:"allowPublicSecrets"`
	AllowFiles           bool `yaml:"allowFiles"`
	LocalhostBypass      bool `yaml:"localhostBypass"`
}

func DefaultSettings() Settings {
	return Settings{
		AllowPublicSecrets: true,
		AllowFiles:         true,
	}
}

// LoadSettings reads path, or returns defaults when path is empty.
// Keys missing from the file keep their default value.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, "read settings")
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrap(err, "parse settings")
	}
	return s, nil
}

// SettingsStore holds the current Settings and allows an operator reload
// (SIGHUP) without restarting. Readers always see a complete snapshot.
type SettingsStore struct {
	v    atomic.Pointer[Settings]
	path string
}

func NewSettingsStore(path string) (*SettingsStore, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	st := &SettingsStore{path: path}
	st.v.Store(&s)
	return st, nil
}

// StaticSettings wraps a fixed value, mostly for tests.
func StaticSettings(s Settings) *SettingsStore {
	st := &SettingsStore{}
	st.v.Store(&s)
	return st
}
func (st *SettingsStore) Get() Settings {
	return *st.v.Load()
}
func (st *SettingsStore) Set(s Settings) {
	st.v.Store(&s)
}
func (st *SettingsStore) Reload() error {
	s, err := LoadSettings(st.path)
	if err != nil {
		return err
	}
	st.v.Store(&s)
	return nil
}
