// Package config reads the environment variables moldau consumes.
package config

import "os"

// Config holds the environment-derived settings that influence descriptor
// resolution, registry access, and strict mode.
type Config struct {
	// StrictMode refuses to fall through to PATH when a shim's kind
	// disagrees with the project's declared kind. Default on.
	StrictMode bool

	// RegistryURL is the base npm registry URL.
	RegistryURL string

	// Token, if set, is sent as an `authorization: Bearer` header.
	Token string

	// Username/Password, if both set and Token is not, are sent as HTTP
	// Basic auth.
	Username string
	Password string
}

const defaultRegistryURL = "https://registry.npmjs.org"

// FromEnv builds a Config from the process environment, applying the
// documented defaults.
func FromEnv() Config {
	cfg := Config{
		StrictMode:  os.Getenv("COREPACK_ENABLE_STRICT") != "0",
		RegistryURL: os.Getenv("COREPACK_NPM_REGISTRY"),
		Token:       os.Getenv("COREPACK_NPM_TOKEN"),
		Username:    os.Getenv("COREPACK_NPM_USERNAME"),
		Password:    os.Getenv("COREPACK_NPM_PASSWORD"),
	}
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = defaultRegistryURL
	}
	return cfg
}
