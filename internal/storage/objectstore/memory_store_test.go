package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	body := []byte{0x00, 0xff, 0x10, 'a'}
	if err := store.Put(ctx, "bucket", "runs/r1/blob", bytes.NewReader(body), int64(len(body)), "application/octet-stream"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, info, err := store.Get(ctx, "bucket", "runs/r1/blob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, body) {
		t.Fatalf("body mismatch: %v", got)
	}
	if info.Size != int64(len(body)) || info.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Stat(context.Background(), "bucket", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat() err=%v, want ErrNotFound", err)
	}
	if _, _, err := store.Get(context.Background(), "bucket", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() err=%v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSizeMismatch(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Put(context.Background(), "b", "k", bytes.NewReader([]byte("abc")), 5, ""); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
