package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vera-market/vera/internal/config"
	"github.com/vera-market/vera/internal/logging"
	"github.com/vera-market/vera/internal/notification"
)

type inbox struct {
	mu   sync.Mutex
	last string
}

func (b *inbox) Send(_ context.Context, m notification.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = m.Body[strings.LastIndex(m.Body, " ")+1:]
	return nil
}

func (b *inbox) code() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type testClient struct {
	t     *testing.T
	app   *fiber.App
	svc   *Services
	token string
}

func (tc *testClient) do(method, path string, body io.Reader, headers map[string]string) (int, []byte, http.Header) {
	tc.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if tc.token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tc.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := tc.app.Test(req, -1)
	require.NoError(tc.t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(tc.t, err)
	return resp.StatusCode, payload, resp.Header
}

func (tc *testClient) json(method, path string, in any, out any) int {
	tc.t.Helper()
	var body io.Reader
	headers := map[string]string{}
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(tc.t, err)
		body = bytes.NewReader(raw)
		headers[fiber.HeaderContentType] = fiber.MIMEApplicationJSON
	}
	status, payload, _ := tc.do(method, path, body, headers)
	if out != nil && len(payload) > 0 {
		require.NoError(tc.t, json.Unmarshal(payload, out), string(payload))
	}
	return status
}

type redirectBody struct {
	Redirect struct {
		Screen       string `json:"screen"`
		Continuation string `json:"continuation"`
	} `json:"redirect"`
}

func newTestApp(t *testing.T) (*testClient, *inbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	cfg := config.Config{
		AppName:             "Vera",
		AppEnv:              "test",
		JWTSecret:           "routes-test-secret-routes-test-secret",
		SessionTTL:          time.Hour,
		IdempotencyTTL:      time.Minute,
		MediaRoot:           t.TempDir(),
		MediaBaseURL:        "http://localhost:8080/media",
		SelfieMaxWidth:      900,
		SelfieJPEGQuality:   72,
		SMSCodeTTL:          time.Minute,
		SMSAutoRetrieval:    time.Hour,
		SMSSendLimitPerMin:  3,
		GateDecisionTimeout: 2 * time.Second,
	}
	box := &inbox{}
	app := fiber.New(fiber.Config{BodyLimit: 16 << 20})
	svc, err := Setup(app, Deps{Cfg: cfg, Cache: cache, Logger: logging.Discard(), Notifier: box})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &testClient{t: t, app: app, svc: svc}, box
}

func TestVerificationJourneyOverHTTP(t *testing.T) {
	client, box := newTestApp(t)

	var signIn struct {
		UID         string `json:"uid"`
		AccessToken string `json:"access_token"`
	}
	status := client.json(fiber.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": "ada@example.com", "password": "correct horse", "displayName": "Ada",
	}, &signIn)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, signIn.AccessToken)
	client.token = signIn.AccessToken

	var blocked redirectBody
	require.Equal(t, http.StatusForbidden, client.json(fiber.MethodGet, "/api/v1/sell/ready", nil, &blocked))
	require.Equal(t, "PhoneVerification", blocked.Redirect.Screen)
	require.Equal(t, "PostItem", blocked.Redirect.Continuation)

	var dest struct {
		Screen       string `json:"screen"`
		Continuation string `json:"continuation"`
	}
	require.Equal(t, http.StatusOK, client.json(fiber.MethodGet, "/api/v1/verification/gate?target=PostItem", nil, &dest))
	require.Equal(t, "PhoneVerification", dest.Screen)
	require.Equal(t, "PostItem", dest.Continuation)

	var invalid map[string]any
	require.Equal(t, http.StatusBadRequest, client.json(fiber.MethodPost, "/api/v1/verification/phone/start", map[string]string{"phone": "555-1234"}, &invalid))
	require.Equal(t, "Invalid number", invalid["error"])

	var started map[string]any
	require.Equal(t, http.StatusOK, client.json(fiber.MethodPost, "/api/v1/verification/phone/start", map[string]string{"phone": "(801) 555-1234"}, &started))
	require.Equal(t, "sent", started["status"])

	var gotStatus map[string]any
	require.Equal(t, http.StatusOK, client.json(fiber.MethodGet, "/api/v1/verification/status", nil, &gotStatus))
	require.Equal(t, "PHONE_PENDING", gotStatus["stage"])

	var confirmed redirectBody
	require.Equal(t, http.StatusOK, client.json(fiber.MethodPost, "/api/v1/verification/phone/confirm", map[string]string{
		"code": box.code(), "continuation": "PostItem",
	}, &confirmed))
	require.Equal(t, "SelfieVerification", confirmed.Redirect.Screen)
	require.Equal(t, "PostItem", confirmed.Redirect.Continuation)
	require.Zero(t, client.svc.Flows.Len(), "confirmed flow is released")

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, client.json(fiber.MethodGet, "/api/v1/verification/status", nil, &gotStatus))
	}
	require.Equal(t, "PHONE_VERIFIED", gotStatus["stage"])
	require.Zero(t, client.svc.Flows.Len(), "status reads never register a flow")

	var frame bytes.Buffer
	require.NoError(t, png.Encode(&frame, image.NewRGBA(image.Rect(0, 0, 1200, 800))))
	pngHeaders := map[string]string{fiber.HeaderContentType: "image/png"}

	status, _, _ = client.do(fiber.MethodPost, "/api/v1/verification/selfie/capture", bytes.NewReader(frame.Bytes()), pngHeaders)
	require.Equal(t, http.StatusForbidden, status, "capture needs camera permission")

	require.Equal(t, http.StatusOK, client.json(fiber.MethodPost, "/api/v1/verification/selfie/permission", map[string]bool{"granted": true}, nil))

	commitHeaders := map[string]string{"Idempotency-Key": "commit-1"}
	status, early, _ := client.do(fiber.MethodPost, "/api/v1/verification/selfie/commit", nil, commitHeaders)
	require.Equal(t, http.StatusConflict, status, string(early))

	status, _, _ = client.do(fiber.MethodPost, "/api/v1/verification/selfie/capture", bytes.NewReader(frame.Bytes()), pngHeaders)
	require.Equal(t, http.StatusCreated, status)

	status, first, firstHeaders := client.do(fiber.MethodPost, "/api/v1/verification/selfie/commit", nil, commitHeaders)
	require.Equal(t, http.StatusOK, status, "a recoverable failure does not pin the key: %s", first)
	require.Empty(t, firstHeaders.Get("Idempotent-Replayed"))
	require.Zero(t, client.svc.Captures.Len())
	var committed struct {
		ProfilePhotoURL string `json:"profilePhotoUrl"`
		redirectBody
	}
	require.NoError(t, json.Unmarshal(first, &committed))
	require.Equal(t, "http://localhost:8080/media/users/"+signIn.UID+"/profile.jpg", committed.ProfilePhotoURL)
	require.Equal(t, "PostItem", committed.Redirect.Screen)

	status, replay, headers := client.do(fiber.MethodPost, "/api/v1/verification/selfie/commit", nil, commitHeaders)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(first), string(replay))
	require.Equal(t, "true", headers.Get("Idempotent-Replayed"))

	require.Equal(t, http.StatusOK, client.json(fiber.MethodGet, "/api/v1/sell/ready", nil, nil))

	status, photo, _ := client.do(fiber.MethodGet, "/media/users/"+signIn.UID+"/profile.jpg", nil, nil)
	require.Equal(t, http.StatusOK, status)
	cfgImg, format, err := image.DecodeConfig(bytes.NewReader(photo))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 900, cfgImg.Width)

	var me map[string]any
	require.Equal(t, http.StatusOK, client.json(fiber.MethodPatch, "/api/v1/me", map[string]string{"displayName": "Ada L."}, &me))
	require.Equal(t, "Ada L.", me["displayName"])
	require.Equal(t, true, me["phoneVerified"])
	require.Equal(t, true, me["selfieVerified"])
	require.Equal(t, float64(2), me["verifiedLevel"])
	require.Equal(t, "+18015551234", me["phone"])
	require.Equal(t, "FULLY_VERIFIED", me["stage"])
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	client, _ := newTestApp(t)
	require.Equal(t, http.StatusUnauthorized, client.json(fiber.MethodGet, "/api/v1/me", nil, nil))
	require.Equal(t, http.StatusUnauthorized, client.json(fiber.MethodGet, "/api/v1/verification/gate", nil, nil))
}

func TestConfirmWithoutChallenge(t *testing.T) {
	client, _ := newTestApp(t)
	var signIn struct {
		AccessToken string `json:"access_token"`
	}
	require.Equal(t, http.StatusCreated, client.json(fiber.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": "grace@example.com", "password": "correct horse",
	}, &signIn))
	client.token = signIn.AccessToken

	var body map[string]any
	require.Equal(t, http.StatusConflict, client.json(fiber.MethodPost, "/api/v1/verification/phone/confirm", map[string]string{"code": "123456"}, &body))
	require.Equal(t, true, body["recoverable"])

	require.Equal(t, http.StatusConflict, client.json(fiber.MethodPost, "/api/v1/verification/selfie/commit", nil, &body))
}

func TestHealthReportsDisabledPostgres(t *testing.T) {
	client, _ := newTestApp(t)
	var body struct {
		Status map[string]string `json:"status"`
	}
	require.Equal(t, http.StatusOK, client.json(fiber.MethodGet, "/healthz", nil, &body))
	require.Equal(t, map[string]string{"postgres": "disabled", "redis": "ok", "media": "ok"}, body.Status)
}
