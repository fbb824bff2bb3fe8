// Package tts resolves arbitrary text to playable media resource
// references. Synthesis itself is an external collaborator behind the
// Engine seam; this package contributes caching and resource naming.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Engine synthesizes raw audio (8 kHz signed linear) for a piece of text.
type Engine interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, text string) ([]byte, error)

func (f EngineFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// Cache resolves text through an Engine, storing synthesized audio in the
// PBX sounds directory so repeated prompts are synthesized once. It
// implements the session speech seam.
type Cache struct {
	engine Engine
	dir    string // absolute directory the PBX can play from
	prefix string // media path prefix relative to the sounds root
	logger *slog.Logger
}

// NewCache creates a caching resolver. dir is the absolute cache
// directory; prefix is its path relative to the PBX sounds root, used in
// media references.
func NewCache(engine Engine, dir, prefix string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tts cache dir %s: %w", dir, err)
	}
	return &Cache{engine: engine, dir: dir, prefix: prefix, logger: logger}, nil
}

// Resolve returns a playable media reference for text, synthesizing and
// caching on first use.
func (c *Cache) Resolve(ctx context.Context, text string) (string, error) {
	name := resourceName(text)
	media := "sound:" + filepath.Join(c.prefix, name)
	path := filepath.Join(c.dir, name+".sln")

	if _, err := os.Stat(path); err == nil {
		return media, nil
	}

	audio, err := c.engine.Synthesize(ctx, text)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write tts cache %s: %w", path, err)
	}
	c.logger.Debug("[TTS] Cached synthesis", "resource", name, "bytes", len(audio))
	return media, nil
}

// Static maps text verbatim to media references. Useful for tests and
// fixed prompt sets.
type Static map[string]string

// Resolve returns the mapped reference, or a deterministic placeholder
// for unmapped text.
func (s Static) Resolve(_ context.Context, text string) (string, error) {
	if media, ok := s[text]; ok {
		return media, nil
	}
	return "sound:" + resourceName(text), nil
}

// resourceName derives a stable, filesystem-safe name for a piece of
// text: a cleaned slug for readability plus a content hash for
// uniqueness.
func resourceName(text string) string {
	sum := sha256.Sum256([]byte(text))
	slug := cleanText(text)
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "tts"
	}
	return slug + "-" + hex.EncodeToString(sum[:6])
}

// cleanText lowers text and strips everything but letters, digits and
// dashes.
func cleanText(text string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-' || r == '_':
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
