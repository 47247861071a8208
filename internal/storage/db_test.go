package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/micro-ha/hypervolt-charger/addon/internal/hvapi"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	saved := hvapi.Credentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    expires,
	}
	if err := repo.Save(ctx, "280750", saved); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, ok, err := repo.Load(ctx, "280750")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !ok {
		t.Fatal("Load() ok = false after Save")
	}
	if loaded.AccessToken != "at-1" || loaded.RefreshToken != "rt-1" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(expires) {
		t.Fatalf("ExpiresAt = %v, want %v", loaded.ExpiresAt, expires)
	}
}

func TestSaveUpsertsRotatedPair(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	first := hvapi.Credentials{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: time.Now().UTC()}
	if err := repo.Save(ctx, "280750", first); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	rotated := hvapi.Credentials{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	if err := repo.Save(ctx, "280750", rotated); err != nil {
		t.Fatalf("Save() rotated error: %v", err)
	}

	loaded, ok, err := repo.Load(ctx, "280750")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if loaded.RefreshToken != "rt-2" {
		t.Fatalf("RefreshToken = %q, want rotated rt-2", loaded.RefreshToken)
	}
}

func TestLoadUnknownCharger(t *testing.T) {
	repo := testRepository(t)

	_, ok, err := repo.Load(context.Background(), "999999")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ok {
		t.Fatal("Load() ok = true for unknown charger")
	}
}

func TestDelete(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	if err := repo.Save(ctx, "280750", hvapi.Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := repo.Delete(ctx, "280750"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, ok, _ := repo.Load(ctx, "280750"); ok {
		t.Fatal("credentials still present after Delete")
	}
}
