package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/profile"
	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/verification"
)

const maxDisplayName = 80

type profileResponse struct {
	UID             string    `json:"uid"`
	DisplayName     string    `json:"displayName,omitempty"`
	Email           string    `json:"email,omitempty"`
	PhotoURL        string    `json:"photoUrl,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	PhoneVerified   bool      `json:"phoneVerified"`
	SelfieVerified  bool      `json:"selfieVerified"`
	ProfilePhotoURL string    `json:"profilePhotoUrl,omitempty"`
	VerifiedLevel   int       `json:"verifiedLevel"`
	Stage           string    `json:"stage"`
	NextStep        string    `json:"nextStep"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func newProfileResponse(st verification.Status) profileResponse {
	p := st.Profile
	return profileResponse{
		UID:             p.UID,
		DisplayName:     p.DisplayName,
		Email:           p.Email,
		PhotoURL:        p.PhotoURL,
		Phone:           p.Phone,
		PhoneVerified:   p.PhoneVerified,
		SelfieVerified:  p.SelfieVerified,
		ProfilePhotoURL: p.ProfilePhotoURL,
		VerifiedLevel:   st.Level,
		Stage:           st.Stage.String(),
		NextStep:        st.Next.String(),
		UpdatedAt:       p.UpdatedAt,
	}
}

// RegisterProfileRoutes wires the profile read and the account-settings
// writer. The writer only ever merges display fields.
func RegisterProfileRoutes(r fiber.Router, svc *Services) {
	r.Get("/me", func(c *fiber.Ctx) error {
		st, err := svc.Steps.Status(c.UserContext(), session.FromCtx(c).UID)
		if err != nil {
			return verificationError(c, err)
		}
		return c.JSON(newProfileResponse(st))
	})

	r.Patch("/me", func(c *fiber.Ctx) error {
		var req struct {
			DisplayName *string `json:"displayName"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		if req.DisplayName == nil {
			return fiber.NewError(http.StatusBadRequest, "displayName is required")
		}
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" || len(name) > maxDisplayName {
			return fiber.NewError(http.StatusBadRequest, "displayName must be 1-80 characters")
		}

		uid := session.FromCtx(c).UID
		if err := svc.Profiles.Merge(c.UserContext(), uid, profile.Patch{DisplayName: profile.String(name)}); err != nil {
			return err
		}
		st, err := svc.Steps.Status(c.UserContext(), uid)
		if err != nil {
			return verificationError(c, err)
		}
		return c.JSON(newProfileResponse(st))
	})
}
