// Package config holds the persisted client configuration: selected model, per-provider credentials,
// endpoints and display preferences. The file is read once when the Store is opened and written back
// on every change.
package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"gopkg.in/yaml.v3"
)

// Settings is the content of the configuration file.
type Settings struct {
	Model    string            `yaml:"model"`
	APIKeys  map[string]string `yaml:"apiKeys"`
	Endpoint string            `yaml:"endpoint"`

	HistoryURL string `yaml:"historyURL"`
	UploadURL  string `yaml:"uploadURL"`
	OllamaHost string `yaml:"ollamaHost,omitempty"`

	Theme             string `yaml:"theme"`
	FontSize          string `yaml:"fontSize"`
	SystemInstruction string `yaml:"systemInstruction,omitempty"`

	Port string `yaml:"port"`

	// Models replaces the built-in catalog when non-empty.
	Models []models.ModelOption `yaml:"models,omitempty"`
}

// Store is the process-wide configuration handle. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings

	// env holds credentials taken from the environment. They fill empty entries of APIKeys but are
	// never written to the file.
	env map[string]string
}

// Environment variables consulted for credentials, in priority order per provider.
var providerEnv = map[string][]string{
	models.ProviderGoogle:     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	models.ProviderOpenAI:     {"OPENAI_API_KEY"},
	models.ProviderAnthropic:  {"ANTHROPIC_API_KEY"},
	models.ProviderOpenRouter: {"OPENROUTER_API_KEY"},
	models.SearchProvider:     {"TAVILY_API_KEY"},
}

// genericKeyEnv is used for any provider that has no specific variable set.
const genericKeyEnv = "API_KEY"

// Defaults returns the settings written to a fresh configuration file.
func Defaults() Settings {
	return Settings{
		Model: models.DefaultCatalog[0].ID,
		APIKeys: map[string]string{
			models.ProviderGoogle:     "",
			models.ProviderOpenAI:     "",
			models.ProviderAnthropic:  "",
			models.ProviderOpenRouter: "",
		},
		Endpoint:   "http://127.0.0.1:8000",
		HistoryURL: "http://localhost:8000",
		UploadURL:  "http://localhost:8000",
		Theme:      "system",
		FontSize:   "medium",
		Port:       "8080",
	}
}

// Open loads the configuration file at path, creating it with Defaults when it does not exist.
func Open(path string) (*Store, error) {
	if err := initializeIfNotPresent(path); err != nil {
		return nil, fmt.Errorf("failed to initialize config: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	settings := Defaults()
	if err := yaml.NewDecoder(f).Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}
	if settings.APIKeys == nil {
		settings.APIKeys = map[string]string{}
	}

	return &Store{
		path:     path,
		settings: settings,
		env:      credentialsFromEnv(),
	}, nil
}

// NewInMemory returns a Store that never touches the filesystem. Updates are kept in memory only.
func NewInMemory(settings Settings) *Store {
	if settings.APIKeys == nil {
		settings.APIKeys = map[string]string{}
	}
	return &Store{settings: settings, env: map[string]string{}}
}

func initializeIfNotPresent(path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	return writeFile(path, Defaults())
}

func writeFile(path string, s Settings) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func credentialsFromEnv() map[string]string {
	env := map[string]string{}
	for provider, names := range providerEnv {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				env[provider] = v
				break
			}
		}
	}
	if v := os.Getenv(genericKeyEnv); v != "" {
		env[genericKeyEnv] = v
	}
	return env
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// Path returns the file backing the store, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Update applies fn to a copy of the settings and persists the result. The in-memory settings only
// change when the write succeeds.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings.clone()
	fn(&next)
	if next.APIKeys == nil {
		next.APIKeys = map[string]string{}
	}
	if s.path != "" {
		if err := writeFile(s.path, next); err != nil {
			return err
		}
	}
	s.settings = next
	return nil
}

// SetModel selects the model used for new generations.
func (s *Store) SetModel(id string) error {
	return s.Update(func(st *Settings) { st.Model = id })
}

// SetAPIKey stores the credential for a provider.
func (s *Store) SetAPIKey(provider, key string) error {
	return s.Update(func(st *Settings) { st.APIKeys[provider] = key })
}

// SetEndpoint changes the backend endpoint. An empty endpoint routes to the direct backend.
func (s *Store) SetEndpoint(endpoint string) error {
	return s.Update(func(st *Settings) { st.Endpoint = endpoint })
}

// Credentials returns the effective credential map: file values first, then provider-specific
// environment variables, then the generic API_KEY variable.
func (s *Store) Credentials() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := maps.Clone(s.settings.APIKeys)
	for provider, v := range s.env {
		if provider == genericKeyEnv {
			continue
		}
		if res[provider] == "" {
			res[provider] = v
		}
	}
	if generic := s.env[genericKeyEnv]; generic != "" {
		for _, p := range []string{
			models.ProviderGoogle, models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderOpenRouter,
		} {
			if res[p] == "" {
				res[p] = generic
			}
		}
	}
	return res
}

// Catalog returns the model catalog in effect.
func (s *Store) Catalog() []models.ModelOption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.settings.Models) > 0 {
		return slices.Clone(s.settings.Models)
	}
	return slices.Clone(models.DefaultCatalog)
}

func (st Settings) clone() Settings {
	st.APIKeys = maps.Clone(st.APIKeys)
	st.Models = slices.Clone(st.Models)
	return st
}
