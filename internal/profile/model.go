package profile

import "time"

// SchemaVersion is written on every merge so readers can tell which document
// shape they are looking at.
const SchemaVersion = 1

// Step statuses recorded in the verification audit sub-record.
const (
	StepStatusVerified = "verified"
)

// Profile is the per-identity profile document.
type Profile struct {
	UID             string    `json:"uid"`
	DisplayName     string    `json:"displayName,omitempty"`
	Email           string    `json:"email,omitempty"`
	PhotoURL        string    `json:"photoUrl,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	PhoneVerified   bool      `json:"phoneVerified"`
	SelfieVerified  bool      `json:"selfieVerified"`
	ProfilePhotoURL string    `json:"profilePhotoUrl,omitempty"`
	VerifiedLevel   int       `json:"verifiedLevel"`
	Verification    Audit     `json:"verification"`
	SchemaVersion   int       `json:"schemaVersion"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Audit records when each verification step last changed.
type Audit struct {
	Phone  StepRecord `json:"phone"`
	Selfie StepRecord `json:"selfie"`
}

// StepRecord is one entry of the audit sub-record.
type StepRecord struct {
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Snapshot is a point-in-time read of a profile document. Exists is false
// when no document has been written for the uid yet; Profile then carries
// only the UID.
type Snapshot struct {
	Profile Profile
	Exists  bool
}

// Patch is a merge-write: nil fields are left untouched.
type Patch struct {
	DisplayName     *string
	Email           *string
	PhotoURL        *string
	Phone           *string
	PhoneVerified   *bool
	SelfieVerified  *bool
	ProfilePhotoURL *string
	VerifiedLevel   *int
	PhoneStep       *string
	SelfieStep      *string
}

// Apply merges p into dst. UpdatedAt is always stamped; CreatedAt is set
// only when dst has none.
func (p Patch) Apply(dst Profile, now time.Time) Profile {
	if p.DisplayName != nil {
		dst.DisplayName = *p.DisplayName
	}
	if p.Email != nil {
		dst.Email = *p.Email
	}
	if p.PhotoURL != nil {
		dst.PhotoURL = *p.PhotoURL
	}
	if p.Phone != nil {
		dst.Phone = *p.Phone
	}
	if p.PhoneVerified != nil {
		dst.PhoneVerified = *p.PhoneVerified
	}
	if p.SelfieVerified != nil {
		dst.SelfieVerified = *p.SelfieVerified
	}
	if p.ProfilePhotoURL != nil {
		dst.ProfilePhotoURL = *p.ProfilePhotoURL
	}
	if p.VerifiedLevel != nil {
		dst.VerifiedLevel = *p.VerifiedLevel
	}
	if p.PhoneStep != nil {
		dst.Verification.Phone = StepRecord{Status: *p.PhoneStep, UpdatedAt: now}
	}
	if p.SelfieStep != nil {
		dst.Verification.Selfie = StepRecord{Status: *p.SelfieStep, UpdatedAt: now}
	}
	if dst.CreatedAt.IsZero() {
		dst.CreatedAt = now
	}
	dst.SchemaVersion = SchemaVersion
	dst.UpdatedAt = now
	return dst
}

// Empty reports whether the patch would change nothing but timestamps.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// String returns a pointer to v, for building patches.
func String(v string) *string { return &v }

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for building patches.
func Int(v int) *int { return &v }
