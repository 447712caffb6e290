package signup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bissquit/fanfest-signup/internal/admission"
	"github.com/bissquit/fanfest-signup/internal/cache"
	"github.com/bissquit/fanfest-signup/internal/receipt"
	"github.com/bissquit/fanfest-signup/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPISpecPath = "../../api/openapi/openapi.yaml"

type handlerEnv struct {
	*testEnv
	router    http.Handler
	validator *testutil.OpenAPIValidator
}

func newHandlerEnv(t *testing.T, receipts *receipt.Issuer, rules map[admission.Class]admission.Rule) *handlerEnv {
	t.Helper()

	env := newTestEnv(t)
	ctrl := admission.NewController(cache.NewMemory(), rules)
	limit := func(class admission.Class) func(http.Handler) http.Handler {
		return admission.Middleware(ctrl, class, admission.DefaultKeyFunc("", false))
	}

	r := chi.NewRouter()
	NewHandler(env.service, receipts, false).RegisterRoutes(r, limit)

	return &handlerEnv{
		testEnv:   env,
		router:    r,
		validator: testutil.NewOpenAPIValidator(t, openAPISpecPath),
	}
}

func (e *handlerEnv) serve(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	resp := rec.Result()
	e.validator.ValidateResponse(t, req, resp)
	return resp
}

func jsonRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/signup", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type createdEnvelope struct {
	Data createdResponse `json:"data"`
}

func TestHandler_GetForm(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), nil)

	resp := env.serve(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data FormConfig `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, testEvents, body.Data.Events)
	assert.Equal(t, "Kansas City FIFA Fan Fest", body.Data.Title)
}

func TestHandler_Submit_JSON(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), nil)

	req := jsonRequest(t, validSubmission())
	req.Header.Set("User-Agent", "fanfest-test")
	req.Header.Set("Referer", "https://fanfest.example/signup")

	resp := env.serve(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body createdEnvelope
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "alex@example.com", body.Data.Email)
	assert.Equal(t, "/success/1", body.Data.SuccessURL)

	stored, err := env.repo.GetByID(req.Context(), body.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "fanfest-test", stored.UserAgent)
	assert.Equal(t, "https://fanfest.example/signup", stored.SourceURL)
	assert.Equal(t, "192.0.2.1", stored.SourceIP)
}

func TestHandler_Submit_Form(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), nil)

	form := url.Values{
		"name":              {"Alex Morgan"},
		"email":             {"alex@example.com"},
		"zip_code":          {"64108"},
		"events_interested": {"Food Truck Festival", "Photo Booth Experience"},
	}
	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp := env.serve(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body createdEnvelope
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, []string{"Food Truck Festival", "Photo Booth Experience"}, body.Data.EventsInterested)
	assert.Empty(t, body.Data.Phone)
}

func TestHandler_Submit_Errors(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), nil)

	resp := env.serve(t, jsonRequest(t, validSubmission()))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("duplicate", func(t *testing.T) {
		resp := env.serve(t, jsonRequest(t, validSubmission()))
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, testutil.ReadBody(t, resp), "already been registered")
	})

	t.Run("validation", func(t *testing.T) {
		sub := validSubmission()
		sub.Email = "other@example.com"
		sub.ZipCode = "1"
		resp := env.serve(t, jsonRequest(t, sub))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body struct {
			Error struct {
				Details []map[string]string `json:"details"`
			} `json:"error"`
		}
		testutil.DecodeJSON(t, resp, &body)
		require.Len(t, body.Error.Details, 1)
		assert.Equal(t, "zip_code", body.Error.Details[0]["field"])
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		resp := env.serve(t, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("store unavailable", func(t *testing.T) {
		env.repo.existsErr = assert.AnError
		defer func() { env.repo.existsErr = nil }()

		sub := validSubmission()
		sub.Email = "third@example.com"
		resp := env.serve(t, jsonRequest(t, sub))
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestHandler_Submit_RateLimited(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), map[admission.Class]admission.Rule{
		admission.ClassSubmit: {Limit: 5, Window: time.Minute},
	})

	var created, denied int
	for i := 0; i < 7; i++ {
		sub := validSubmission()
		sub.Email = fmt.Sprintf("fan%d@example.com", i)
		resp := env.serve(t, jsonRequest(t, sub))

		switch resp.StatusCode {
		case http.StatusCreated:
			created++
		case http.StatusTooManyRequests:
			denied++
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		default:
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	}

	assert.Equal(t, 5, created)
	assert.Equal(t, 2, denied)
	assert.Equal(t, 5, env.repo.count(), "denied requests must not reach the store")
}

func TestHandler_Submit_InvalidUTF8Form(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), nil)

	body := "name=Al%FFex&email=alex%40example.com&zip_code=64108&events_interested=Food+Truck+Festival"
	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp := env.serve(t, req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error struct {
			Details []map[string]string `json:"details"`
		} `json:"error"`
	}
	testutil.DecodeJSON(t, resp, &out)
	require.Len(t, out.Error.Details, 1)
	assert.Equal(t, "name", out.Error.Details[0]["field"])
	assert.Equal(t, 0, env.repo.count())
}

func TestHandler_Submit_ClampsRequestMetadata(t *testing.T) {
	env := newTestEnv(t)
	r := chi.NewRouter()
	ctrl := admission.NewController(cache.NewMemory(), nil)
	NewHandler(env.service, receipt.NewIssuer(receipt.Config{}), true).RegisterRoutes(r,
		func(class admission.Class) func(http.Handler) http.Handler {
			return admission.Middleware(ctrl, class, admission.DefaultKeyFunc("", true))
		})

	req := jsonRequest(t, validSubmission())
	req.Header.Set("User-Agent", strings.Repeat("a", 511)+"é")
	req.Header.Set("X-Forwarded-For", strings.Repeat("9", 100))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	stored, err := env.repo.GetByID(req.Context(), 1)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(stored.UserAgent))
	assert.Equal(t, strings.Repeat("a", 511), stored.UserAgent)
	assert.Equal(t, "192.0.2.1", stored.SourceIP)
}

func TestHandler_GetSuccess(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{}), nil)

	resp := env.serve(t, jsonRequest(t, validSubmission()))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.serve(t, httptest.NewRequest(http.MethodGet, "/success/1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := testutil.ReadBody(t, resp)
	assert.Contains(t, body, "Alex Morgan")
	assert.NotContains(t, body, "alex@example.com", "success page does not expose contact details")

	resp = env.serve(t, httptest.NewRequest(http.MethodGet, "/success/404", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_GetSuccess_WithReceipts(t *testing.T) {
	env := newHandlerEnv(t, receipt.NewIssuer(receipt.Config{Secret: "receipt-secret", TTL: time.Hour}), nil)

	resp := env.serve(t, jsonRequest(t, validSubmission()))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createdEnvelope
	testutil.DecodeJSON(t, resp, &created)
	require.True(t, strings.HasPrefix(created.Data.SuccessURL, "/success/1?t="))

	resp = env.serve(t, httptest.NewRequest(http.MethodGet, "/success/1", nil))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.serve(t, httptest.NewRequest(http.MethodGet, created.Data.SuccessURL, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data successResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "alex@example.com", body.Data.Email)
	assert.Equal(t, "+18165551234", body.Data.Phone)
	assert.Equal(t, "64108", body.Data.ZipCode)
	assert.Equal(t, "Alex Morgan", body.Data.Name)
	assert.Equal(t, []string{"Food Truck Festival"}, body.Data.EventsInterested)
}
