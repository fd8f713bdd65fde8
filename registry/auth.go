package registry

import (
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/bibin-skaria/imginv/internal/types"
)

// AuthProvider resolves credentials for a registry host
type AuthProvider struct {
	config   *types.RegistryConfig
	keychain authn.Keychain
}

func NewAuthProvider(config *types.RegistryConfig) *AuthProvider {
	if config == nil {
		config = &types.RegistryConfig{
			Registries: make(map[string]types.RegistryAuth),
			Mirrors:    make(map[string][]string),
		}
	}
	return &AuthProvider{config: config, keychain: authn.DefaultKeychain}
}

// GetAuthenticator tries configuration, environment and the docker keychain in that
// order and falls back to anonymous access.
func (a *AuthProvider) GetAuthenticator(registry string) authn.Authenticator {
	if auth := a.fromConfig(registry); auth != nil {
		return auth
	}
	if auth := a.fromEnvironment(registry); auth != nil {
		return auth
	}
	if auth := a.fromKeychain(registry); auth != nil {
		return auth
	}
	return authn.Anonymous
}

func (a *AuthProvider) fromConfig(registry string) authn.Authenticator {
	for _, host := range hostAliases(registry) {
		regAuth, ok := a.config.Registries[host]
		if !ok {
			continue
		}
		if regAuth.Username != "" && regAuth.Password != "" {
			return &authn.Basic{Username: regAuth.Username, Password: regAuth.Password}
		}
		if regAuth.Token != "" {
			return &authn.Bearer{Token: regAuth.Token}
		}
	}
	return nil
}

func (a *AuthProvider) fromEnvironment(registry string) authn.Authenticator {
	prefix := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(registry))

	username := os.Getenv(prefix + "_USERNAME")
	password := os.Getenv(prefix + "_PASSWORD")
	token := os.Getenv(prefix + "_TOKEN")

	if isDockerHub(registry) {
		if username == "" {
			username = os.Getenv("DOCKER_USERNAME")
		}
		if password == "" {
			password = os.Getenv("DOCKER_PASSWORD")
		}
		if token == "" {
			token = os.Getenv("DOCKER_TOKEN")
		}
	}

	if username != "" && password != "" {
		return &authn.Basic{Username: username, Password: password}
	}
	if token != "" {
		return &authn.Bearer{Token: token}
	}
	return nil
}

func (a *AuthProvider) fromKeychain(registry string) authn.Authenticator {
	if a.keychain == nil {
		return nil
	}
	if isDockerHub(registry) {
		registry = DockerHubIndex
	}
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return nil
	}
	auth, err := a.keychain.Resolve(reg)
	if err != nil || auth == authn.Anonymous {
		return nil
	}
	return auth
}

// IsInsecure reports whether registry is configured for plain HTTP
func (a *AuthProvider) IsInsecure(registry string) bool {
	for _, host := range a.config.Insecure {
		if host == registry {
			return true
		}
	}
	return false
}

// Mirrors returns configured mirrors for registry, in preference order
func (a *AuthProvider) Mirrors(registry string) []string {
	for _, host := range hostAliases(registry) {
		if mirrors, ok := a.config.Mirrors[host]; ok {
			return mirrors
		}
	}
	return nil
}

func isDockerHub(registry string) bool {
	switch registry {
	case DockerHubRegistry, DockerHubIndex, "docker.io":
		return true
	}
	return false
}

func hostAliases(registry string) []string {
	if isDockerHub(registry) {
		return []string{registry, "docker.io", DockerHubIndex, DockerHubRegistry}
	}
	return []string{registry}
}
