package apperror

import (
	"errors"
	"net/http"
)

// Verification error taxonomy. Every error is recoverable by the user
// retrying the step except ErrUnauthenticated, which ends the flow.
var (
	ErrUnauthenticated  = errors.New("no authenticated identity")
	ErrInvalidNumber    = errors.New("invalid phone number")
	ErrInvalidCode      = errors.New("invalid verification code")
	ErrAlreadyLinked    = errors.New("phone number is linked to another account")
	ErrAlreadyVerified  = errors.New("account already has a linked phone number")
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrProvider         = errors.New("verification provider error")
	ErrUpload           = errors.New("selfie upload failed")

	ErrNoChallenge      = errors.New("no verification code has been sent")
	ErrSuperseded       = errors.New("challenge superseded by a newer one")
	ErrNoCapture        = errors.New("no selfie captured")
	ErrCaptureReleased  = errors.New("captured selfie was discarded")
	ErrUnsupportedImage = errors.New("unsupported image format")
	ErrPhoneRequired    = errors.New("phone verification required before selfie")
)

type entry struct {
	status  int
	title   string
	message string
}

var catalogue = map[error]entry{
	ErrUnauthenticated:  {http.StatusUnauthorized, "Sign in required", "Sign in to continue."},
	ErrInvalidNumber:    {http.StatusBadRequest, "Invalid number", "Enter a valid 10-digit US phone number."},
	ErrInvalidCode:      {http.StatusBadRequest, "Invalid code", "That code wasn't correct. Try again."},
	ErrAlreadyLinked:    {http.StatusConflict, "Number already used", "That phone number is linked to another account."},
	ErrAlreadyVerified:  {http.StatusConflict, "Already verified", "This account already has a phone number linked."},
	ErrPermissionDenied: {http.StatusForbidden, "Camera permission", "Allow camera access to take a selfie."},
	ErrProvider:         {http.StatusBadGateway, "Verification failed", "Try again."},
	ErrUpload:           {http.StatusBadGateway, "Upload failed", "Try again."},
	ErrNoChallenge:      {http.StatusConflict, "Missing step", "Send the code first."},
	ErrSuperseded:       {http.StatusConflict, "Code replaced", "A newer code was requested."},
	ErrNoCapture:        {http.StatusConflict, "Missing step", "Take a selfie first."},
	ErrCaptureReleased:  {http.StatusConflict, "Missing step", "Take a selfie first."},
	ErrUnsupportedImage: {http.StatusUnsupportedMediaType, "Camera error", "Could not read the photo. Try again."},
	ErrPhoneRequired:    {http.StatusConflict, "Missing step", "Verify your phone number first."},
}

func lookup(err error) (entry, bool) {
	for target, e := range catalogue {
		if errors.Is(err, target) {
			return e, true
		}
	}
	return entry{}, false
}

// HTTPStatus maps err onto a response status. Unknown errors are 500.
func HTTPStatus(err error) int {
	if e, ok := lookup(err); ok {
		return e.status
	}
	return http.StatusInternalServerError
}

// Message returns the user-facing title and message for err.
func Message(err error) (title, message string) {
	if e, ok := lookup(err); ok {
		return e.title, e.message
	}
	return "Something went wrong", "Try again."
}

// Recoverable reports whether the user can retry after err.
func Recoverable(err error) bool {
	return !errors.Is(err, ErrUnauthenticated)
}
