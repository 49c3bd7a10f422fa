package selfie

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/blob"
	"github.com/vera-market/vera/internal/profile"
)

const (
	contentTypeJPEG = "image/jpeg"
	sniffLength     = 261
)

// ObjectKey is the deterministic blob location of uid's selfie. Committing
// twice overwrites the same object.
func ObjectKey(uid string) string {
	return "users/" + uid + "/profile.jpg"
}

// Config tunes the capture transform.
type Config struct {
	TempDir  string
	MaxWidth int
	Quality  int
	MaxBytes int64
}

// Capture is a photo held locally between capture and commit or discard.
// It is never partially persisted.
type Capture struct {
	mu       sync.Mutex
	path     string
	size     int64
	kind     string
	released bool
}

// Size is the captured byte count.
func (c *Capture) Size() int64 { return c.size }

// Kind is the sniffed MIME type of the captured frame.
func (c *Capture) Kind() string { return c.kind }

// Released reports whether the local copy has been reclaimed.
func (c *Capture) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *Capture) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Capture) open() (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, apperror.ErrCaptureReleased
	}
	return os.Open(c.path)
}

// Adapter captures, transforms and commits selfies.
type Adapter struct {
	blobs    blob.Store
	profiles profile.Writer
	cfg      Config
	logger   *slog.Logger
}

// NewAdapter builds a selfie adapter. Zero config fields get defaults.
func NewAdapter(blobs blob.Store, profiles profile.Writer, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 900
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 72
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 15 << 20
	}
	return &Adapter{blobs: blobs, profiles: profiles, cfg: cfg, logger: logger}
}

// Capture takes a photo from cam and holds it in temporary storage.
func (a *Adapter) Capture(ctx context.Context, cam Camera) (*Capture, error) {
	granted, err := cam.Permission(ctx)
	if err != nil {
		return nil, fmt.Errorf("camera permission: %w", err)
	}
	if !granted {
		return nil, apperror.ErrPermissionDenied
	}

	frame, err := cam.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("take photo: %w", err)
	}
	defer frame.Close()

	tmp, err := os.CreateTemp(a.cfg.TempDir, "selfie-*")
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	written, err := io.Copy(tmp, io.LimitReader(frame, a.cfg.MaxBytes+1))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("store capture: %w", err)
	}
	if written > a.cfg.MaxBytes {
		cleanup()
		return nil, fmt.Errorf("%w: photo exceeds %d bytes", apperror.ErrUnsupportedImage, a.cfg.MaxBytes)
	}

	head := make([]byte, sniffLength)
	n, _ := tmp.ReadAt(head, 0)
	kind, _ := filetype.Match(head[:n])
	if kind != matchers.TypeJpeg && kind != matchers.TypePng {
		cleanup()
		return nil, apperror.ErrUnsupportedImage
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close capture: %w", err)
	}

	return &Capture{path: tmp.Name(), size: written, kind: kind.MIME.Value}, nil
}

// Discard reclaims a capture. Discarding twice is a no-op.
func (a *Adapter) Discard(c *Capture) error {
	if c == nil {
		return nil
	}
	return c.release()
}

// Commit downscales and recompresses c, uploads it to uid's selfie key and
// only then merges {profilePhotoUrl, selfieVerified: true}. Any upload
// failure leaves the profile untouched and the capture held for a retry.
func (a *Adapter) Commit(ctx context.Context, c *Capture, uid string) (string, error) {
	if uid == "" {
		return "", apperror.ErrUnauthenticated
	}
	if c == nil {
		return "", apperror.ErrNoCapture
	}

	f, err := c.open()
	if err != nil {
		return "", err
	}
	encoded, size, err := Recompress(f, a.cfg.MaxWidth, a.cfg.Quality)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperror.ErrUnsupportedImage, err)
	}

	key := ObjectKey(uid)
	if err := a.blobs.Put(ctx, key, bytes.NewReader(encoded), contentTypeJPEG); err != nil {
		a.logger.Warn("selfie upload failed", slog.String("uid", uid), slog.Any("error", err))
		return "", fmt.Errorf("%w: %v", apperror.ErrUpload, err)
	}
	url, err := a.blobs.URL(ctx, key)
	if err != nil || url == "" {
		a.logger.Warn("selfie url lookup failed", slog.String("uid", uid), slog.Any("error", err))
		return "", fmt.Errorf("%w: resolve url: %v", apperror.ErrUpload, err)
	}

	err = a.profiles.Merge(ctx, uid, profile.Patch{
		ProfilePhotoURL: profile.String(url),
		SelfieVerified:  profile.Bool(true),
		SelfieStep:      profile.String(profile.StepStatusVerified),
	})
	if err != nil {
		return "", fmt.Errorf("record selfie: %w", err)
	}

	if err := c.release(); err != nil {
		a.logger.Warn("release capture failed", slog.String("uid", uid), slog.Any("error", err))
	}
	a.logger.Info("selfie committed", slog.String("uid", uid), slog.Int("width", size.X), slog.Int("height", size.Y))
	return url, nil
}
