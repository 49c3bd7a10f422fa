package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/logging"
	"github.com/vera-market/vera/internal/phone"
	"github.com/vera-market/vera/internal/profile"
	"github.com/vera-market/vera/internal/selfie"
)

type fakeConfirmer struct {
	phone string
	err   error
}

func (f fakeConfirmer) Confirm(context.Context, string) (phone.LinkResult, error) {
	if f.err != nil {
		return phone.LinkResult{}, f.err
	}
	return phone.LinkResult{UID: "u1", Phone: f.phone, LinkedAt: time.Now()}, nil
}

type fakeCommitter struct {
	profiles profile.Writer
	err      error
}

func (f fakeCommitter) Commit(ctx context.Context, _ *selfie.Capture, uid string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	url := "http://media.test/" + selfie.ObjectKey(uid)
	return url, f.profiles.Merge(ctx, uid, profile.Patch{
		ProfilePhotoURL: profile.String(url),
		SelfieVerified:  profile.Bool(true),
	})
}

func TestConfirmPhoneMergesFlagsAndLevel(t *testing.T) {
	ctx := context.Background()
	store := profile.NewMemoryStore()
	require.NoError(t, store.Merge(ctx, "u1", profile.Patch{DisplayName: profile.String("Ada"), VerifiedLevel: profile.Int(0)}))
	steps := NewSteps(store, logging.Discard())

	status, err := steps.ConfirmPhone(ctx, "u1", fakeConfirmer{phone: "+18015551234"}, "123456")
	require.NoError(t, err)
	require.Equal(t, StagePhoneVerified, status.Stage)
	require.Equal(t, StepSelfie, status.Next)

	snap, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, snap.Profile.PhoneVerified)
	require.Equal(t, "+18015551234", snap.Profile.Phone)
	require.Equal(t, 1, snap.Profile.VerifiedLevel)
	require.Equal(t, "Ada", snap.Profile.DisplayName, "unrelated fields survive the merge")
	require.Equal(t, profile.StepStatusVerified, snap.Profile.Verification.Phone.Status)
}

func TestConfirmPhoneFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := profile.NewMemoryStore()
	steps := NewSteps(store, logging.Discard())

	_, err := steps.ConfirmPhone(ctx, "u1", fakeConfirmer{err: apperror.ErrInvalidCode}, "000000")
	require.ErrorIs(t, err, apperror.ErrInvalidCode)

	snap, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, snap.Exists)

	_, err = steps.ConfirmPhone(ctx, "", fakeConfirmer{}, "123456")
	require.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestCommitSelfieRequiresPhoneFirst(t *testing.T) {
	ctx := context.Background()
	store := profile.NewMemoryStore()
	steps := NewSteps(store, logging.Discard())

	_, status, err := steps.CommitSelfie(ctx, "u1", fakeCommitter{profiles: store}, nil)
	require.ErrorIs(t, err, apperror.ErrPhoneRequired)
	require.Equal(t, StageUnverified, status.Stage)

	snap, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, snap.Profile.SelfieVerified)
}

func TestCommitSelfieAdvancesToFullyVerified(t *testing.T) {
	ctx := context.Background()
	store := profile.NewMemoryStore()
	require.NoError(t, store.Merge(ctx, "u1", profile.Patch{PhoneVerified: profile.Bool(true), VerifiedLevel: profile.Int(1)}))
	steps := NewSteps(store, logging.Discard())

	url, status, err := steps.CommitSelfie(ctx, "u1", fakeCommitter{profiles: store}, nil)
	require.NoError(t, err)
	require.Equal(t, "http://media.test/users/u1/profile.jpg", url)
	require.Equal(t, StageFullyVerified, status.Stage)
	require.Equal(t, 2, status.Profile.VerifiedLevel)

	snap, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, snap.Profile.VerifiedLevel)
}

func TestCommitSelfieUploadFailureKeepsStage(t *testing.T) {
	ctx := context.Background()
	store := profile.NewMemoryStore()
	require.NoError(t, store.Merge(ctx, "u1", profile.Patch{PhoneVerified: profile.Bool(true)}))
	steps := NewSteps(store, logging.Discard())

	uploadErr := errors.Join(apperror.ErrUpload, errors.New("connection reset"))
	_, status, err := steps.CommitSelfie(ctx, "u1", fakeCommitter{profiles: store, err: uploadErr}, nil)
	require.ErrorIs(t, err, apperror.ErrUpload)
	require.Equal(t, StagePhoneVerified, status.Stage)
}
