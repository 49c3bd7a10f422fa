package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const profileSchema = `
CREATE TABLE IF NOT EXISTS user_profiles (
    uid                    TEXT PRIMARY KEY,
    display_name           TEXT NOT NULL DEFAULT '',
    email                  TEXT NOT NULL DEFAULT '',
    photo_url              TEXT NOT NULL DEFAULT '',
    phone                  TEXT NOT NULL DEFAULT '',
    phone_verified         BOOLEAN NOT NULL DEFAULT FALSE,
    selfie_verified        BOOLEAN NOT NULL DEFAULT FALSE,
    profile_photo_url      TEXT NOT NULL DEFAULT '',
    verified_level         INTEGER NOT NULL DEFAULT 0,
    phone_step_status      TEXT NOT NULL DEFAULT '',
    phone_step_updated_at  TIMESTAMPTZ,
    selfie_step_status     TEXT NOT NULL DEFAULT '',
    selfie_step_updated_at TIMESTAMPTZ,
    schema_version         INTEGER NOT NULL DEFAULT 1,
    created_at             TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL
)`

// Every column is merged with COALESCE so a NULL parameter keeps the stored
// value; that is what makes concurrent writers of disjoint fields safe.
const mergeProfile = `
INSERT INTO user_profiles (
    uid, display_name, email, photo_url, phone, phone_verified, selfie_verified,
    profile_photo_url, verified_level, phone_step_status, phone_step_updated_at,
    selfie_step_status, selfie_step_updated_at, schema_version, created_at, updated_at)
VALUES (
    $1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''),
    COALESCE($6, FALSE), COALESCE($7, FALSE), COALESCE($8, ''), COALESCE($9, 0),
    COALESCE($10, ''), CASE WHEN $10::text IS NULL THEN NULL ELSE $12::timestamptz END,
    COALESCE($11, ''), CASE WHEN $11::text IS NULL THEN NULL ELSE $12::timestamptz END,
    $13, $12, $12)
ON CONFLICT (uid) DO UPDATE SET
    display_name           = COALESCE($2, user_profiles.display_name),
    email                  = COALESCE($3, user_profiles.email),
    photo_url              = COALESCE($4, user_profiles.photo_url),
    phone                  = COALESCE($5, user_profiles.phone),
    phone_verified         = COALESCE($6, user_profiles.phone_verified),
    selfie_verified        = COALESCE($7, user_profiles.selfie_verified),
    profile_photo_url      = COALESCE($8, user_profiles.profile_photo_url),
    verified_level         = COALESCE($9, user_profiles.verified_level),
    phone_step_status      = COALESCE($10, user_profiles.phone_step_status),
    phone_step_updated_at  = CASE WHEN $10::text IS NULL THEN user_profiles.phone_step_updated_at ELSE $12::timestamptz END,
    selfie_step_status     = COALESCE($11, user_profiles.selfie_step_status),
    selfie_step_updated_at = CASE WHEN $11::text IS NULL THEN user_profiles.selfie_step_updated_at ELSE $12::timestamptz END,
    schema_version         = $13,
    updated_at             = $12`

const selectProfile = `
SELECT uid, display_name, email, photo_url, phone, phone_verified, selfie_verified,
       profile_photo_url, verified_level, phone_step_status, phone_step_updated_at,
       selfie_step_status, selfie_step_updated_at, schema_version, created_at, updated_at
FROM user_profiles WHERE uid = $1`

// PostgresStore persists profile documents in PostgreSQL. It has no change
// notification of its own; wrap it in a Feed for subscriptions.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStore builds a Postgres-backed profile document store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the profile table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, profileSchema); err != nil {
		return fmt.Errorf("create user_profiles: %w", err)
	}
	return nil
}

// Get reads the profile for uid.
func (s *PostgresStore) Get(ctx context.Context, uid string) (Snapshot, error) {
	if uid == "" {
		return Snapshot{}, ErrMissingUID
	}
	var (
		p                         Profile
		phoneStepAt, selfieStepAt *time.Time
	)
	err := s.db.QueryRow(ctx, selectProfile, uid).Scan(
		&p.UID, &p.DisplayName, &p.Email, &p.PhotoURL, &p.Phone, &p.PhoneVerified, &p.SelfieVerified,
		&p.ProfilePhotoURL, &p.VerifiedLevel, &p.Verification.Phone.Status, &phoneStepAt,
		&p.Verification.Selfie.Status, &selfieStepAt, &p.SchemaVersion, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{Profile: Profile{UID: uid}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("select profile %s: %w", uid, err)
	}
	if phoneStepAt != nil {
		p.Verification.Phone.UpdatedAt = phoneStepAt.UTC()
	}
	if selfieStepAt != nil {
		p.Verification.Selfie.UpdatedAt = selfieStepAt.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return Snapshot{Profile: p, Exists: true}, nil
}

// Merge upserts the non-nil fields of patch.
func (s *PostgresStore) Merge(ctx context.Context, uid string, patch Patch) error {
	if uid == "" {
		return ErrMissingUID
	}
	_, err := s.db.Exec(ctx, mergeProfile,
		uid, patch.DisplayName, patch.Email, patch.PhotoURL, patch.Phone,
		patch.PhoneVerified, patch.SelfieVerified, patch.ProfilePhotoURL, patch.VerifiedLevel,
		patch.PhoneStep, patch.SelfieStep, s.now(), SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("merge profile %s: %w", uid, err)
	}
	return nil
}
