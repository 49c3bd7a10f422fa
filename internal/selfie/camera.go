package selfie

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Camera is the capture device. Capture is only called after Permission
// reports a grant.
type Camera interface {
	Permission(ctx context.Context) (bool, error)
	Capture(ctx context.Context) (io.ReadCloser, error)
}

// Grants remembers which identities allowed camera access.
type Grants struct {
	mu      sync.RWMutex
	granted map[string]bool
}

// NewGrants builds an empty grant set.
func NewGrants() *Grants {
	return &Grants{granted: make(map[string]bool)}
}

// Grant records that uid allowed camera access.
func (g *Grants) Grant(uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[uid] = true
}

// Revoke forgets a grant.
func (g *Grants) Revoke(uid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.granted, uid)
}

// Granted reports whether uid allowed camera access.
func (g *Grants) Granted(uid string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted[uid]
}

// UploadCamera is a Camera whose frame is a photo the client already took
// and uploaded.
type UploadCamera struct {
	grants *Grants
	uid    string
	frame  []byte
}

// NewUploadCamera wraps an uploaded frame for uid.
func NewUploadCamera(grants *Grants, uid string, frame []byte) *UploadCamera {
	return &UploadCamera{grants: grants, uid: uid, frame: frame}
}

// Permission reports the recorded grant for the uploader.
func (c *UploadCamera) Permission(context.Context) (bool, error) {
	return c.grants.Granted(c.uid), nil
}

// Capture returns the uploaded frame.
func (c *UploadCamera) Capture(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.frame)), nil
}

// StreamCamera is a Camera reading its frame from an upload stream. The
// stream can be captured once.
type StreamCamera struct {
	grants *Grants
	uid    string
	r      io.Reader
}

// NewStreamCamera wraps an upload stream for uid.
func NewStreamCamera(grants *Grants, uid string, r io.Reader) *StreamCamera {
	return &StreamCamera{grants: grants, uid: uid, r: r}
}

// Permission reports the recorded grant for the uploader.
func (c *StreamCamera) Permission(context.Context) (bool, error) {
	return c.grants.Granted(c.uid), nil
}

// Capture returns the upload stream.
func (c *StreamCamera) Capture(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(c.r), nil
}
