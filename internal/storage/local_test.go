package storage

import (
	"context"
	"errors"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	objectPath := "enriched-events/domain=example-com/test.jsonl"
	content := []byte("{\"hello\":\"world\"}\n")

	if err := store.Put(ctx, objectPath, content, "application/jsonl"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := store.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	if err := store.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_GetNotFound(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, err = store.Get(context.Background(), "missing/object.jsonl")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_List(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	paths := []string{
		"site-logs/domain=a/one.jsonl",
		"site-logs/domain=a/two.jsonl",
		"site-logs/domain=b/three.jsonl",
	}
	for _, p := range paths {
		if err := store.Put(ctx, p, []byte("x"), ""); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}

	got, err := store.List(ctx, "site-logs/domain=a/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List returned %d objects, want 2: %v", len(got), got)
	}

	all, err := store.List(ctx, "site-logs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List returned %d objects, want 3: %v", len(all), all)
	}
}
