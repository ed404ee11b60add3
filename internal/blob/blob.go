package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"recap/internal/config"
	"recap/internal/services"
)

// Gateway stores media objects on the local filesystem behind opaque
// handles. Handles never expire; presigned URLs are minted on demand and
// carry their own deadline.
type Gateway struct {
	root          string
	presignSecret []byte
	presignTTL    int
}

const handlePrefix = "local:"

// ErrBadHandle indicates a handle that this gateway did not produce.
var ErrBadHandle = errors.New("malformed blob handle")

var extByContentType = map[string]string{
	"video/mp4":  ".mp4",
	"audio/mpeg": ".mp3",
	"audio/ogg":  ".opus",
	"audio/wav":  ".wav",
	"text/plain": ".txt",
}

// New builds a gateway rooted at the configured blob directory.
func New(cfg *config.Config) (*Gateway, error) {
	if cfg.Blob.PresignSecret == "" {
		return nil, errors.New("blob presign secret is required")
	}
	if err := os.MkdirAll(cfg.Paths.BlobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Gateway{
		root:          cfg.Paths.BlobDir,
		presignSecret: []byte(cfg.Blob.PresignSecret),
		presignTTL:    cfg.Blob.PresignTTLSeconds,
	}, nil
}

// Put streams an object into the store and returns its handle. The write
// goes to a temp file first so a handle never refers to partial content.
func (g *Gateway) Put(ctx context.Context, r io.Reader, contentType string) (string, error) {
	id := uuid.NewString()
	shard := id[:2]
	ext := extByContentType[contentType]
	handle := handlePrefix + shard + "/" + id + ext

	dir := filepath.Join(g.root, shard)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		cleanup()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, id+ext)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return handle, nil
}

// Open returns a reader for the object behind a handle.
func (g *Gateway) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	path, err := g.pathFor(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, services.Wrap(services.ErrNotFound, "", "blob open", handle, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Stat reports the stored size of an object.
func (g *Gateway) Stat(handle string) (int64, error) {
	path, err := g.pathFor(handle)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, services.Wrap(services.ErrNotFound, "", "blob stat", handle, nil)
	}
	if err != nil {
		return 0, fmt.Errorf("stat object: %w", err)
	}
	return info.Size(), nil
}

// Delete removes an object. Deleting an absent object is a no-op so cleanup
// paths can run unconditionally.
func (g *Gateway) Delete(ctx context.Context, handle string) error {
	path, err := g.pathFor(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// LocalPath resolves a handle to its on-disk path for subprocess tooling
// that needs a real file argument.
func (g *Gateway) LocalPath(handle string) (string, error) {
	return g.pathFor(handle)
}

// pathFor validates the handle shape and maps it under the root. Rejects
// anything that could escape the blob directory.
func (g *Gateway) pathFor(handle string) (string, error) {
	rest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	shard, name, ok := strings.Cut(rest, "/")
	if !ok || shard == "" || name == "" {
		return "", fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	if strings.ContainsAny(shard, "/\\") || strings.ContainsAny(name, "/\\") ||
		strings.Contains(rest, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	return filepath.Join(g.root, shard, name), nil
}

// contextReader aborts a long copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
