package verification

import "github.com/vera-market/vera/internal/profile"

// Stage is a verification state. Stages are ordered; a higher stage has
// completed every step of the lower ones.
type Stage int

const (
	StageUnverified Stage = iota
	StagePhonePending
	StagePhoneVerified
	StageSelfiePending
	StageFullyVerified
)

func (s Stage) String() string {
	switch s {
	case StageUnverified:
		return "UNVERIFIED"
	case StagePhonePending:
		return "PHONE_PENDING"
	case StagePhoneVerified:
		return "PHONE_VERIFIED"
	case StageSelfiePending:
		return "SELFIE_PENDING"
	case StageFullyVerified:
		return "FULLY_VERIFIED"
	default:
		return "UNKNOWN"
	}
}

// Step is the action a stage requires next.
type Step int

const (
	StepPhone Step = iota
	StepSelfie
	StepNone
)

func (s Step) String() string {
	switch s {
	case StepPhone:
		return "phone"
	case StepSelfie:
		return "selfie"
	default:
		return "none"
	}
}

// DeriveStage computes the stage from the two verification flags and nothing
// else. A stray selfie flag without a verified phone is ignored: phone is
// still required.
func DeriveStage(p profile.Profile) Stage {
	switch {
	case p.PhoneVerified && p.SelfieVerified:
		return StageFullyVerified
	case p.PhoneVerified:
		return StagePhoneVerified
	default:
		return StageUnverified
	}
}

// InProgress overlays in-flight step state on the derived stage: an
// outstanding phone challenge or a held selfie capture moves the stage to
// the matching pending state.
func InProgress(derived Stage, phoneOutstanding, captureHeld bool) Stage {
	switch {
	case derived == StageUnverified && phoneOutstanding:
		return StagePhonePending
	case derived == StagePhoneVerified && captureHeld:
		return StageSelfiePending
	default:
		return derived
	}
}

// NextStep returns the step required to leave s.
func NextStep(s Stage) Step {
	switch {
	case s < StagePhoneVerified:
		return StepPhone
	case s < StageFullyVerified:
		return StepSelfie
	default:
		return StepNone
	}
}

// Level is the display summary cached in verifiedLevel. It is derived from
// the flags and never read back as a source of truth.
func Level(p profile.Profile) int {
	switch DeriveStage(p) {
	case StageFullyVerified:
		return 2
	case StagePhoneVerified:
		return 1
	default:
		return 0
	}
}
