package gate

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vera-market/vera/internal/blob"
	"github.com/vera-market/vera/internal/identity"
	"github.com/vera-market/vera/internal/logging"
	"github.com/vera-market/vera/internal/notification"
	"github.com/vera-market/vera/internal/phone"
	"github.com/vera-market/vera/internal/profile"
	"github.com/vera-market/vera/internal/selfie"
	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/sms"
	"github.com/vera-market/vera/internal/verification"
)

type codeInbox struct {
	mu   sync.Mutex
	last string
}

func (b *codeInbox) send(_ context.Context, m notification.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = m.Body[strings.LastIndex(m.Body, " ")+1:]
	return nil
}

func (b *codeInbox) code() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func TestVerificationJourney(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	profiles := profile.NewMemoryStore()
	accounts := identity.NewService(identity.NewMemoryRepository(), profiles, logger).WithHashCost(bcrypt.MinCost)
	account, err := accounts.Register(ctx, identity.Credentials{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	sess := session.Session{UID: account.ID, Email: account.Email}

	inbox := &codeInbox{}
	provider := sms.NewRedisProvider(cache, notification.NotifierFunc(inbox.send), sms.Config{
		AutoRetrievalTimeout: time.Hour,
		HashCost:             bcrypt.MinCost,
	}, logger)
	flow := phone.NewFlow(sess, provider, accounts, logger)
	t.Cleanup(flow.Close)

	files, err := blob.NewFileStore(t.TempDir(), "http://media.test", 0)
	require.NoError(t, err)
	adapter := selfie.NewAdapter(files, profiles, selfie.Config{TempDir: t.TempDir()}, logger)
	grants := selfie.NewGrants()
	steps := verification.NewSteps(profiles, logger)
	ctrl := NewController(profiles, logger)

	d, err := ctrl.Await(ctx, sess, "PostItem")
	require.NoError(t, err)
	require.Equal(t, Destination{Screen: ScreenPhone, Continuation: "PostItem"}, d)

	ch, err := flow.Start(ctx, "(801) 555-1234 ext 9")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = ch.Wait(waitCtx)
	require.NoError(t, err)

	status, err := steps.ConfirmPhone(ctx, sess.UID, flow, inbox.code())
	require.NoError(t, err)
	require.Equal(t, verification.StagePhoneVerified, status.Stage)

	d, err = ctrl.Await(ctx, sess, "PostItem")
	require.NoError(t, err)
	require.Equal(t, Destination{Screen: ScreenSelfie, Continuation: "PostItem"}, d)

	var frame bytes.Buffer
	require.NoError(t, png.Encode(&frame, image.NewRGBA(image.Rect(0, 0, 32, 32))))
	grants.Grant(sess.UID)
	capture, err := adapter.Capture(ctx, selfie.NewUploadCamera(grants, sess.UID, frame.Bytes()))
	require.NoError(t, err)

	url, status, err := steps.CommitSelfie(ctx, sess.UID, adapter, capture)
	require.NoError(t, err)
	require.Equal(t, "http://media.test/users/"+sess.UID+"/profile.jpg", url)
	require.Equal(t, verification.StageFullyVerified, status.Stage)

	d, err = ctrl.Await(ctx, sess, "PostItem")
	require.NoError(t, err)
	require.Equal(t, Destination{Screen: "PostItem"}, d)

	snap, err := profiles.Get(ctx, sess.UID)
	require.NoError(t, err)
	require.Equal(t, "+18015551234", snap.Profile.Phone)
	require.Equal(t, 2, snap.Profile.VerifiedLevel)
	require.Equal(t, "Anonymous", snap.Profile.DisplayName)
}
