package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"OPENROUTER_API_KEY", "TAVILY_API_KEY", "API_KEY",
	} {
		t.Setenv(name, "")
	}
}

func TestOpenCreatesDefaults(t *testing.T) {
	clearCredentialEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := config.Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, config.Defaults(), cfg.Settings())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestUpdatePersists(t *testing.T) {
	clearCredentialEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := config.Open(path)
	require.NoError(t, err)
	require.NoError(t, cfg.SetModel("gpt-5-2025-08-07"))
	require.NoError(t, cfg.SetAPIKey(models.ProviderOpenAI, "sk-file"))
	require.NoError(t, cfg.SetEndpoint(""))
	require.NoError(t, cfg.Update(func(st *config.Settings) {
		st.Theme = "dark"
		st.SystemInstruction = "Answer briefly."
	}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk config.Settings
	require.NoError(t, yaml.Unmarshal(b, &onDisk))
	assert.Equal(t, "gpt-5-2025-08-07", onDisk.Model)
	assert.Equal(t, "sk-file", onDisk.APIKeys[models.ProviderOpenAI])
	assert.Empty(t, onDisk.Endpoint)
	assert.Equal(t, "dark", onDisk.Theme)

	reopened, err := config.Open(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Settings(), reopened.Settings())
}

func TestUpdateFailureKeepsSettings(t *testing.T) {
	clearCredentialEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := config.Open(path)
	require.NoError(t, err)
	// A directory in place of the temp file makes the write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0755))

	assert.Error(t, cfg.SetModel("gpt-5-2025-08-07"))
	assert.Equal(t, config.Defaults().Model, cfg.Settings().Model)
}

func TestSettingsAreCopies(t *testing.T) {
	cfg := config.NewInMemory(config.Settings{APIKeys: map[string]string{"Google": "a"}})
	st := cfg.Settings()
	st.APIKeys["Google"] = "changed"
	assert.Equal(t, "a", cfg.Settings().APIKeys["Google"])
	assert.Empty(t, cfg.Path())
}

func TestCredentials(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("GOOGLE_API_KEY", "g-env")
	t.Setenv("ANTHROPIC_API_KEY", "a-env")
	t.Setenv("TAVILY_API_KEY", "t-env")
	t.Setenv("API_KEY", "generic")

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := config.Open(path)
	require.NoError(t, err)
	require.NoError(t, cfg.SetAPIKey(models.ProviderAnthropic, "a-file"))

	creds := cfg.Credentials()
	assert.Equal(t, "g-env", creds[models.ProviderGoogle])
	assert.Equal(t, "a-file", creds[models.ProviderAnthropic])
	assert.Equal(t, "generic", creds[models.ProviderOpenAI])
	assert.Equal(t, "generic", creds[models.ProviderOpenRouter])
	assert.Equal(t, "t-env", creds[models.SearchProvider])

	// Environment values are never written to the file.
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "g-env")
	assert.NotContains(t, string(b), "generic")
}

func TestCatalog(t *testing.T) {
	cfg := config.NewInMemory(config.Settings{})
	assert.Equal(t, models.DefaultCatalog, cfg.Catalog())

	custom := []models.ModelOption{{ID: "llama3.2", Name: "Llama 3.2", Provider: models.ProviderOllama}}
	require.NoError(t, cfg.Update(func(st *config.Settings) { st.Models = custom }))
	assert.Equal(t, custom, cfg.Catalog())
}
