package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wagate/wagate/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s.DB)
}

func TestGenerateShape(t *testing.T) {
	r := newTestRegistry(t)
	k, err := r.Generate(context.Background(), "primary bot")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(k.Key, "wg_") {
		t.Errorf("missing prefix: %q", k.Key)
	}
	// 24 random bytes render as 48 lower-hex characters.
	hexPart := strings.TrimPrefix(k.Key, "wg_")
	if len(hexPart) != 48 {
		t.Errorf("expected 48 hex chars, got %d", len(hexPart))
	}
	if hexPart != strings.ToLower(hexPart) {
		t.Errorf("key not lower-hex: %q", hexPart)
	}
	if !k.IsActive {
		t.Error("new key must be active")
	}
	if k.Label != "primary bot" {
		t.Errorf("label lost: %q", k.Label)
	}
}

func TestListNewestFirst(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Generate(ctx, ""); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i].CreatedAt.After(keys[i-1].CreatedAt) {
			t.Error("list not ordered newest first")
		}
	}
}

func TestAssertActive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	k, err := r.Generate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.AssertActive(ctx, "  "+k.Key+"\n")
	if err != nil {
		t.Fatalf("whitespace should be trimmed: %v", err)
	}
	if got.Key != k.Key {
		t.Errorf("wrong key returned: %q", got.Key)
	}
}

func TestAssertActiveOpacity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	k, err := r.Generate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Deactivate(ctx, k.Key); err != nil {
		t.Fatal(err)
	}

	_, errDeactivated := r.AssertActive(ctx, k.Key)
	_, errMissing := r.AssertActive(ctx, "wg_does_not_exist")

	// Deactivated and missing keys must be indistinguishable.
	if !errors.Is(errDeactivated, ErrNotRegistered) || !errors.Is(errMissing, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered for both, got %v / %v", errDeactivated, errMissing)
	}
	if errDeactivated.Error() != errMissing.Error() {
		t.Error("error messages differ between deactivated and missing keys")
	}
}

func TestDeactivateMissingReturnsNil(t *testing.T) {
	r := newTestRegistry(t)
	k, err := r.Deactivate(context.Background(), "wg_missing")
	if err != nil {
		t.Fatal(err)
	}
	if k != nil {
		t.Fatalf("expected nil for missing key, got %+v", k)
	}
}

func TestDeactivateKeepsRow(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	k, err := r.Generate(ctx, "retired")
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Deactivate(ctx, k.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.IsActive {
		t.Fatalf("expected inactive record, got %+v", got)
	}

	keys, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Error("deactivation must not delete the row")
	}
}
