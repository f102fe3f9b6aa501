// Package router resolves which provider serves a model, which credential to send, and whether the
// request goes to the proxy backend or straight to the provider API.
package router

import (
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Backend is the kind of backend a request is routed to.
type Backend string

const (
	// BackendDirect talks to the provider API itself.
	BackendDirect Backend = "direct"
	// BackendProxy sends the whole request to the configured proxy server.
	BackendProxy Backend = "proxy"
)

// DefaultAPIHost is the first-party API host. An endpoint referencing it is not treated as a proxy.
const DefaultAPIHost = "googleapis.com"

// DefaultProvider serves models that are not in the catalog.
const DefaultProvider = models.ProviderOpenRouter

// Input is everything needed to route one request.
type Input struct {
	ModelID  string
	Catalog  []models.ModelOption
	APIKeys  map[string]string
	Endpoint string
}

// Route is the outcome of Resolve.
type Route struct {
	Provider         string
	Credential       string
	SearchCredential string
	Backend          Backend
}

// Resolve routes a request. It never fails: a missing credential is reported as an empty Credential
// and left for the caller to validate.
func Resolve(in Input) Route {
	provider := DefaultProvider
	if m, ok := models.FindModel(in.Catalog, in.ModelID); ok {
		provider = m.Provider
	}

	return Route{
		Provider:         provider,
		Credential:       in.APIKeys[provider],
		SearchCredential: in.APIKeys[models.SearchProvider],
		Backend:          SelectBackend(in.Endpoint),
	}
}

// SelectBackend picks the proxy backend for any configured endpoint that does not point at the
// first-party API host.
func SelectBackend(endpoint string) Backend {
	if endpoint != "" && !strings.Contains(endpoint, DefaultAPIHost) {
		return BackendProxy
	}
	return BackendDirect
}
