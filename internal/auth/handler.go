package auth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/identity"
	"github.com/vera-market/vera/internal/session"
)

// Handler exposes registration and sign-in.
type Handler struct {
	ids    *identity.Service
	tokens *Tokens
}

func NewHandler(ids *identity.Service, tokens *Tokens) *Handler {
	return &Handler{ids: ids, tokens: tokens}
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type signInResponse struct {
	UID         string `json:"uid"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Register creates an account and signs it in.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	account, err := h.ids.Register(c.UserContext(), identity.Credentials{Email: req.Email, Password: req.Password, DisplayName: req.DisplayName})
	switch {
	case errors.Is(err, identity.ErrEmailTaken):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrWeakPassword):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}
	return h.respond(c, http.StatusCreated, account)
}

// SignIn validates credentials and returns a session token.
func (h *Handler) SignIn(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	account, err := h.ids.SignIn(c.UserContext(), identity.Credentials{Email: req.Email, Password: req.Password})
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrInvalidEmail):
		return fiber.NewError(http.StatusUnauthorized, identity.ErrInvalidCredentials.Error())
	case err != nil:
		return err
	}
	return h.respond(c, http.StatusOK, account)
}

func (h *Handler) respond(c *fiber.Ctx, status int, account identity.Account) error {
	issued, err := h.tokens.Issue(session.Session{UID: account.ID, Email: account.Email})
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(status).JSON(signInResponse{UID: account.ID, AccessToken: issued.AccessToken, ExpiresIn: issued.ExpiresIn})
}
