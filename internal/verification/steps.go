package verification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/phone"
	"github.com/vera-market/vera/internal/profile"
	"github.com/vera-market/vera/internal/selfie"
)

// PhoneConfirmer confirms an outstanding phone challenge.
type PhoneConfirmer interface {
	Confirm(ctx context.Context, code string) (phone.LinkResult, error)
}

// SelfieCommitter uploads a held capture and records it on the profile.
type SelfieCommitter interface {
	Commit(ctx context.Context, c *selfie.Capture, uid string) (string, error)
}

// Status is the verification view of one profile.
type Status struct {
	Stage   Stage
	Next    Step
	Level   int
	Profile profile.Profile
}

// Steps records step completions on the profile and re-evaluates the stage.
type Steps struct {
	profiles profile.Documents
	logger   *slog.Logger
}

// NewSteps wires the glue between the adapters and the profile store.
func NewSteps(profiles profile.Documents, logger *slog.Logger) *Steps {
	return &Steps{profiles: profiles, logger: logger}
}

// Status reads uid's profile and derives its stage.
func (s *Steps) Status(ctx context.Context, uid string) (Status, error) {
	if uid == "" {
		return Status{}, apperror.ErrUnauthenticated
	}
	snap, err := s.profiles.Get(ctx, uid)
	if err != nil {
		return Status{}, fmt.Errorf("read profile: %w", err)
	}
	stage := DeriveStage(snap.Profile)
	return Status{Stage: stage, Next: NextStep(stage), Level: Level(snap.Profile), Profile: snap.Profile}, nil
}

// ConfirmPhone confirms code against the outstanding challenge and merges
// {phone, phoneVerified: true}. The adapter never writes the profile itself.
func (s *Steps) ConfirmPhone(ctx context.Context, uid string, flow PhoneConfirmer, code string) (Status, error) {
	if uid == "" {
		return Status{}, apperror.ErrUnauthenticated
	}
	res, err := flow.Confirm(ctx, code)
	if err != nil {
		return Status{}, err
	}
	err = s.profiles.Merge(ctx, uid, profile.Patch{
		Phone:         profile.String(res.Phone),
		PhoneVerified: profile.Bool(true),
		PhoneStep:     profile.String(profile.StepStatusVerified),
	})
	if err != nil {
		return Status{}, fmt.Errorf("record phone: %w", err)
	}
	s.logger.Info("phone verified", slog.String("uid", uid))
	return s.refresh(ctx, uid)
}

// CommitSelfie commits c for uid once the phone step is verified.
func (s *Steps) CommitSelfie(ctx context.Context, uid string, committer SelfieCommitter, c *selfie.Capture) (string, Status, error) {
	current, err := s.Status(ctx, uid)
	if err != nil {
		return "", Status{}, err
	}
	if current.Stage < StagePhoneVerified {
		return "", current, apperror.ErrPhoneRequired
	}
	url, err := committer.Commit(ctx, c, uid)
	if err != nil {
		return "", current, err
	}
	s.logger.Info("selfie verified", slog.String("uid", uid))
	status, err := s.refresh(ctx, uid)
	if err != nil {
		return url, Status{}, err
	}
	return url, status, nil
}

// refresh re-evaluates the stage and rewrites the cached level when it is
// stale.
func (s *Steps) refresh(ctx context.Context, uid string) (Status, error) {
	status, err := s.Status(ctx, uid)
	if err != nil {
		return Status{}, err
	}
	if status.Profile.VerifiedLevel != status.Level {
		if err := s.profiles.Merge(ctx, uid, profile.Patch{VerifiedLevel: profile.Int(status.Level)}); err != nil {
			return Status{}, fmt.Errorf("record level: %w", err)
		}
		status.Profile.VerifiedLevel = status.Level
	}
	return status, nil
}
