package identity

import "time"

// Account is a signed-in identity known to the identity provider.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash []byte
	Phone        string
	CreatedAt    time.Time
	LastSignIn   time.Time
}

// Credentials is the sign-in request.
type Credentials struct {
	Email       string
	Password    string
	DisplayName string
}
