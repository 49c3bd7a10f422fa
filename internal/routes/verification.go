package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/gate"
	"github.com/vera-market/vera/internal/middleware"
	"github.com/vera-market/vera/internal/notification"
	"github.com/vera-market/vera/internal/phone"
	"github.com/vera-market/vera/internal/selfie"
	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/verification"
)

const sendWaitTimeout = 15 * time.Second

type stepResponse struct {
	Stage    string           `json:"stage"`
	Level    int              `json:"verifiedLevel"`
	Redirect gate.Destination `json:"redirect"`
}

func newStepResponse(st verification.Status, target string) stepResponse {
	return stepResponse{Stage: st.Stage.String(), Level: st.Level, Redirect: gate.Decide(st.Stage, target)}
}

// RegisterVerificationRoutes wires the gate and both verification steps.
func RegisterVerificationRoutes(r fiber.Router, svc *Services, d Deps) {
	group := r.Group("/verification")

	group.Get("/gate", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), d.Cfg.GateDecisionTimeout)
		defer cancel()
		dest, err := svc.Gate.Await(ctx, session.FromCtx(c), c.Query("target"))
		if err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "verification status unavailable")
		}
		return c.JSON(dest)
	})

	group.Get("/status", func(c *fiber.Ctx) error {
		sess := session.FromCtx(c)
		st, err := svc.Steps.Status(c.UserContext(), sess.UID)
		if err != nil {
			return verificationError(c, err)
		}
		_, held := svc.Captures.Get(sess.UID)
		outstanding := false
		if flow, ok := svc.Flows.Get(sess.UID); ok {
			outstanding = flow.Pending()
		}
		stage := verification.InProgress(st.Stage, outstanding, held)
		return c.JSON(fiber.Map{
			"stage":         stage.String(),
			"nextStep":      verification.NextStep(stage).String(),
			"verifiedLevel": st.Level,
		})
	})

	sendLimit := middleware.RateLimit(d.Cache, middleware.RateLimitConfig{
		Name:    "sms-send",
		Max:     d.Cfg.SMSSendLimitPerMin,
		Window:  time.Minute,
		Key:     func(c *fiber.Ctx) string { return session.FromCtx(c).UID },
		Message: "too many codes requested, try again later",
	}, d.Logger)

	group.Post("/phone/start", sendLimit, func(c *fiber.Ctx) error {
		var req struct {
			Phone string `json:"phone"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		sess := session.FromCtx(c)
		ch, err := svc.Flows.For(sess).Start(c.UserContext(), req.Phone)
		if errors.Is(err, phone.ErrClosed) {
			// released by a concurrent confirm or sweep between lookup and start
			ch, err = svc.Flows.For(sess).Start(c.UserContext(), req.Phone)
		}
		if err != nil {
			return verificationError(c, err)
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), sendWaitTimeout)
		defer cancel()
		verificationID, err := ch.Wait(ctx)
		switch {
		case ctx.Err() != nil:
			return c.Status(http.StatusAccepted).JSON(fiber.Map{
				"status":      "pending",
				"destination": notification.Mask(ch.Phone()),
			})
		case err != nil:
			return verificationError(c, err)
		}
		return c.JSON(fiber.Map{
			"status":         "sent",
			"destination":    notification.Mask(ch.Phone()),
			"verificationId": verificationID,
		})
	})

	group.Post("/phone/confirm", func(c *fiber.Ctx) error {
		var req struct {
			Code         string `json:"code"`
			Continuation string `json:"continuation"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		sess := session.FromCtx(c)
		flow, ok := svc.Flows.Get(sess.UID)
		if !ok {
			return verificationError(c, apperror.ErrNoChallenge)
		}
		st, err := svc.Steps.ConfirmPhone(c.UserContext(), sess.UID, flow, req.Code)
		svc.Flows.Release(sess.UID)
		if err != nil {
			return verificationError(c, err)
		}
		return c.JSON(newStepResponse(st, req.Continuation))
	})

	group.Delete("/phone", func(c *fiber.Ctx) error {
		svc.Flows.Close(session.FromCtx(c).UID)
		return c.SendStatus(http.StatusNoContent)
	})

	group.Post("/selfie/permission", func(c *fiber.Ctx) error {
		var req struct {
			Granted bool `json:"granted"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		uid := session.FromCtx(c).UID
		if req.Granted {
			svc.Captures.Grants().Grant(uid)
		} else {
			svc.Captures.Grants().Revoke(uid)
		}
		return c.JSON(fiber.Map{"granted": req.Granted})
	})

	group.Post("/selfie/capture", func(c *fiber.Ctx) error {
		uid := session.FromCtx(c).UID
		frame := c.Body()
		if fh, err := c.FormFile("photo"); err == nil {
			f, err := fh.Open()
			if err != nil {
				return fiber.NewError(http.StatusBadRequest, err.Error())
			}
			defer f.Close()
			cam := selfie.NewStreamCamera(svc.Captures.Grants(), uid, f)
			return respondCapture(c, svc, uid, cam)
		}
		if len(frame) == 0 {
			return fiber.NewError(http.StatusBadRequest, "photo is required")
		}
		return respondCapture(c, svc, uid, selfie.NewUploadCamera(svc.Captures.Grants(), uid, frame))
	})

	group.Delete("/selfie/capture", func(c *fiber.Ctx) error {
		svc.Captures.Retake(session.FromCtx(c).UID)
		return c.SendStatus(http.StatusNoContent)
	})

	commitIdempotency := middleware.Idempotency(d.Cache, middleware.IdempotencyOptions{TTL: d.Cfg.IdempotencyTTL}, d.Logger)
	group.Post("/selfie/commit", commitIdempotency, func(c *fiber.Ctx) error {
		var req struct {
			Continuation string `json:"continuation"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(http.StatusBadRequest, err.Error())
			}
		}
		uid := session.FromCtx(c).UID
		capture, ok := svc.Captures.Get(uid)
		if !ok {
			return verificationError(c, apperror.ErrNoCapture)
		}
		url, st, err := svc.Steps.CommitSelfie(c.UserContext(), uid, svc.Selfies, capture)
		if err != nil {
			return verificationError(c, err)
		}
		svc.Captures.Forget(uid, capture)
		return c.JSON(fiber.Map{
			"profilePhotoUrl": url,
			"stage":           st.Stage.String(),
			"verifiedLevel":   st.Level,
			"redirect":        gate.Decide(st.Stage, req.Continuation),
		})
	})
}

func respondCapture(c *fiber.Ctx, svc *Services, uid string, cam selfie.Camera) error {
	capture, err := svc.Captures.Capture(c.UserContext(), uid, cam)
	if err != nil {
		return verificationError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"size": capture.Size(), "kind": capture.Kind()})
}
