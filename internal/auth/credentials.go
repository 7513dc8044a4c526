// ABOUTME: Ordered credential providers feeding an explicit token cache
// ABOUTME: Static one-shot, environment and file providers plus pushed tokens

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoCredential is returned when no provider has a token.
var ErrNoCredential = errors.New("no credential available")

// Provider looks up a bearer token from one source. ok is false when the
// source has nothing to offer; err is reserved for real failures.
type Provider interface {
	Name() string
	Token(ctx context.Context) (token string, ok bool, err error)
}

// TokenCache holds the token currently in use and where it came from.
type TokenCache struct {
	mu     sync.RWMutex
	token  string
	source string
}

// Get returns the cached token, if any.
func (c *TokenCache) Get() (token, source string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.source, c.token != ""
}

// Set replaces the cached token.
func (c *TokenCache) Set(token, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.source = source
}

// Clear drops the cached token.
func (c *TokenCache) Clear() {
	c.Set("", "")
}

// CredentialChain asks its providers in order and caches the first hit.
type CredentialChain struct {
	providers []Provider
	cache     *TokenCache
	logger    *slog.Logger
}

// NewCredentialChain builds a chain over providers. A nil cache gets a fresh
// one; a nil logger uses slog.Default.
func NewCredentialChain(cache *TokenCache, logger *slog.Logger, providers ...Provider) *CredentialChain {
	if cache == nil {
		cache = &TokenCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialChain{
		providers: providers,
		cache:     cache,
		logger:    logger.With("component", "credentials"),
	}
}

// Token returns the cached token or walks the providers for a new one.
// Provider errors are logged and the next provider is tried.
func (c *CredentialChain) Token(ctx context.Context) (string, error) {
	if token, _, ok := c.cache.Get(); ok {
		return token, nil
	}

	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		token, ok, err := p.Token(ctx)
		if err != nil {
			c.logger.Warn("credential provider failed", "provider", p.Name(), "error", err)
			continue
		}
		if !ok || token == "" {
			continue
		}
		c.cache.Set(token, p.Name())
		c.logger.Debug("credential loaded", "provider", p.Name())
		return token, nil
	}
	return "", ErrNoCredential
}

// Push installs a token delivered from outside the chain, such as a token
// refresh notification.
func (c *CredentialChain) Push(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	c.cache.Set(token, "push")
}

// Invalidate drops the cached token after the far end rejected it.
func (c *CredentialChain) Invalidate() {
	_, source, ok := c.cache.Get()
	if !ok {
		return
	}
	c.logger.Info("dropping rejected credential", "provider", source)
	c.cache.Clear()
}

// StaticProvider hands out a token exactly once, for credentials delivered
// on the command line or by a launching process.
type StaticProvider struct {
	mu    sync.Mutex
	token string
}

// NewStaticProvider wraps token. An empty token provides nothing.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimSpace(token)}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Token(context.Context) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := p.token
	p.token = ""
	return token, token != "", nil
}

// EnvProvider reads the token from an environment variable on every lookup.
type EnvProvider struct {
	Var string
}

func (p EnvProvider) Name() string { return "env:" + p.Var }

func (p EnvProvider) Token(context.Context) (string, bool, error) {
	if p.Var == "" {
		return "", false, nil
	}
	token := strings.TrimSpace(os.Getenv(p.Var))
	return token, token != "", nil
}

// FileProvider reads a persisted token from disk. A missing file provides
// nothing.
type FileProvider struct {
	Path string
}

func (p FileProvider) Name() string { return "file" }

func (p FileProvider) Token(context.Context) (string, bool, error) {
	if p.Path == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	return token, token != "", nil
}

// Save persists token with owner-only permissions.
func (p FileProvider) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// NewSourceChain builds the usual chain: an explicit token first, then the
// environment variable, then the token file. Empty sources are skipped.
func NewSourceChain(token, envVar, path string, logger *slog.Logger) *CredentialChain {
	var providers []Provider
	if token != "" {
		providers = append(providers, NewStaticProvider(token))
	}
	if envVar != "" {
		providers = append(providers, EnvProvider{Var: envVar})
	}
	if path != "" {
		providers = append(providers, FileProvider{Path: path})
	}
	return NewCredentialChain(&TokenCache{}, logger, providers...)
}
