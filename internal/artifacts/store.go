package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	store "github.com/animus-labs/adpipe/internal/storage/objectstore"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeMP4  = "video/mp4"

	uriScheme = "s3://"
)

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrExists     = errors.New("artifact already exists")
	ErrInvalidURI = errors.New("invalid artifact uri")
)

// Store reads and writes immutable, URI-addressed artifacts in object storage.
type Store struct {
	bucket string
	store  store.Store
	newID  func() string
}

func NewStore(objectStore store.Store, bucket string) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{bucket: bucket, store: objectStore, newID: uuid.NewString}, nil
}

// RunRoot returns the artifact root URI for a run.
func (s *Store) RunRoot(runID string) string {
	return uriScheme + s.bucket + "/runs/" + strings.TrimSpace(runID)
}

// URIFor returns a fresh URI under runRoot for an artifact called name. Every
// call yields a distinct URI so no two writers ever share one.
func (s *Store) URIFor(runRoot, name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return strings.TrimRight(runRoot, "/") + "/" + base + "-" + s.newID() + ext
}

// SignalURI is the well-known location of a gate signal for a task.
func (s *Store) SignalURI(runRoot, taskName string) string {
	return strings.TrimRight(runRoot, "/") + "/gates/" + taskName + ".signal.json"
}

// Put writes body at uri. Artifacts are immutable: writing an existing uri
// fails with ErrExists.
func (s *Store) Put(ctx context.Context, uri string, body []byte, contentType string) error {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return err
	}
	exists, err := s.exists(ctx, bucket, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, uri)
	}
	if err := s.store.Put(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return fmt.Errorf("put %s: %w", uri, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	rc, _, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return body, nil
}

func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, bucket, key)
}

func (s *Store) PutJSON(ctx context.Context, uri string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", uri, err)
	}
	return s.Put(ctx, uri, body, ContentTypeJSON)
}

func (s *Store) GetJSON(ctx context.Context, uri string, v any) error {
	body, err := s.Get(ctx, uri)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", uri, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.store.Stat(ctx, bucket, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
}

func parseURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), uriScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}
