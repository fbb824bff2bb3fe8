package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func TestCacheSynthesizesOnce(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	engine := EngineFunc(func(ctx context.Context, text string) ([]byte, error) {
		calls.Add(1)
		return []byte("audio:" + text), nil
	})

	cache, err := NewCache(engine, dir, "callscript", nil)
	if err != nil {
		t.Fatalf("NewCache() = %v", err)
	}

	first, err := cache.Resolve(context.Background(), "Welcome to the service")
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	second, err := cache.Resolve(context.Background(), "Welcome to the service")
	if err != nil {
		t.Fatalf("second Resolve() = %v", err)
	}

	if first != second {
		t.Errorf("Resolve() not stable: %q vs %q", first, second)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("engine called %d times, want 1", got)
	}
	if !strings.HasPrefix(first, "sound:callscript/") {
		t.Errorf("media reference = %q, want sound:callscript/ prefix", first)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".sln") {
		t.Errorf("cache dir entries = %v, want one .sln file", entries)
	}
}

func TestCacheDistinctTexts(t *testing.T) {
	dir := t.TempDir()
	engine := EngineFunc(func(ctx context.Context, text string) ([]byte, error) {
		return []byte(text), nil
	})
	cache, err := NewCache(engine, dir, "p", nil)
	if err != nil {
		t.Fatalf("NewCache() = %v", err)
	}

	a, _ := cache.Resolve(context.Background(), "press one")
	b, _ := cache.Resolve(context.Background(), "press two")
	if a == b {
		t.Errorf("distinct texts resolved to the same reference %q", a)
	}
}

func TestCacheEngineFailure(t *testing.T) {
	engine := EngineFunc(func(ctx context.Context, text string) ([]byte, error) {
		return nil, errors.New("synth down")
	})
	cache, err := NewCache(engine, t.TempDir(), "p", nil)
	if err != nil {
		t.Fatalf("NewCache() = %v", err)
	}

	if _, err := cache.Resolve(context.Background(), "hello"); err == nil {
		t.Error("Resolve() = nil error with failing engine")
	}
}

func TestCacheReusesExistingFile(t *testing.T) {
	dir := t.TempDir()
	name := resourceName("cached line")
	if err := os.WriteFile(filepath.Join(dir, name+".sln"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := EngineFunc(func(ctx context.Context, text string) ([]byte, error) {
		t.Error("engine invoked despite existing cache file")
		return nil, nil
	})
	cache, err := NewCache(engine, dir, "p", nil)
	if err != nil {
		t.Fatalf("NewCache() = %v", err)
	}
	if _, err := cache.Resolve(context.Background(), "cached line"); err != nil {
		t.Errorf("Resolve() = %v", err)
	}
}

func TestStaticResolver(t *testing.T) {
	s := Static{"hello": "sound:greetings/hello"}

	got, err := s.Resolve(context.Background(), "hello")
	if err != nil || got != "sound:greetings/hello" {
		t.Errorf("Resolve(hello) = (%q, %v)", got, err)
	}

	fallback, err := s.Resolve(context.Background(), "unmapped text")
	if err != nil || !strings.HasPrefix(fallback, "sound:") {
		t.Errorf("Resolve(unmapped) = (%q, %v)", fallback, err)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello, World!", "hello-world"},
		{"Press 1 for yes", "press-1-for-yes"},
		{"  spaced   out  ", "spaced-out"},
		{"snake_case_text", "snake-case-text"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := cleanText(tt.in); got != tt.want {
			t.Errorf("cleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResourceNameStableAndBounded(t *testing.T) {
	long := strings.Repeat("a very long prompt ", 20)
	a := resourceName(long)
	b := resourceName(long)
	if a != b {
		t.Error("resourceName not deterministic")
	}
	if len(a) > 60 {
		t.Errorf("resourceName too long: %d chars", len(a))
	}
	if resourceName("text one") == resourceName("text two") {
		t.Error("distinct texts share a resource name")
	}
	if got := resourceName("!!!"); !strings.HasPrefix(got, "tts-") {
		t.Errorf("resourceName for unsluggable text = %q, want tts- prefix", got)
	}
}
