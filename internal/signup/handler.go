package signup

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/fanfest-signup/internal/admission"
	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/pkg/ctxlog"
	"github.com/bissquit/fanfest-signup/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Receipts issues and checks success page tokens.
type Receipts interface {
	Enabled() bool
	Issue(signupID int64) (string, error)
	Verify(token string, signupID int64) error
}

// LimitFunc returns the admission middleware for a route class.
type LimitFunc func(class admission.Class) func(http.Handler) http.Handler

// Handler serves the public signup endpoints.
type Handler struct {
	service  *Service
	receipts Receipts
	trustXFF bool
}

// NewHandler creates a signup handler.
func NewHandler(service *Service, receipts Receipts, trustXFF bool) *Handler {
	return &Handler{service: service, receipts: receipts, trustXFF: trustXFF}
}

// RegisterRoutes mounts the signup routes, each behind its admission class.
func (h *Handler) RegisterRoutes(r chi.Router, limit LimitFunc) {
	r.With(limit(admission.ClassView)).Get("/", h.GetForm)
	r.With(limit(admission.ClassSubmit)).Post("/signup", h.Submit)
	r.With(limit(admission.ClassSuccess)).Get("/success/{id}", h.GetSuccess)
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrDuplicateSubmission, Status: http.StatusConflict, Message: "This email has already been registered."},
	{Error: ErrSignupNotFound, Status: http.StatusNotFound, Message: "signup not found"},
	{Error: ErrUnavailable, Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable, please try again shortly"},
}

// GetForm handles GET /.
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	fc, err := h.service.FormConfig(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, fc)
}

// Submit handles POST /signup with a JSON or form-encoded body.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	sub, err := decodeSubmission(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub.SourceIP = admission.ClientIP(r, h.trustXFF)
	sub.UserAgent = r.UserAgent()
	sub.SourceURL = r.Referer()

	signup, err := h.service.Submit(r.Context(), sub)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			httputil.ValidationError(w, verr)
			return
		}
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := toCreatedResponse(signup)
	token, err := h.receipts.Issue(signup.ID)
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to issue receipt", "signup_id", signup.ID, "error", err)
	}
	resp.SuccessURL = successURL(signup.ID, token)

	httputil.Success(w, http.StatusCreated, resp)
}

// GetSuccess handles GET /success/{id}.
func (h *Handler) GetSuccess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.Error(w, http.StatusNotFound, "signup not found")
		return
	}

	if err := h.receipts.Verify(r.URL.Query().Get("t"), id); err != nil {
		httputil.Error(w, http.StatusForbidden, "invalid or expired receipt")
		return
	}

	signup, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	// A verified receipt proves the caller made this signup.
	httputil.Success(w, http.StatusOK, toSuccessResponse(signup, h.receipts.Enabled()))
}

func decodeSubmission(r *http.Request) (Submission, error) {
	var sub Submission

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			return sub, fmt.Errorf("decode json: %w", err)
		}
		return sub, nil
	}

	if err := r.ParseForm(); err != nil {
		return sub, fmt.Errorf("parse form: %w", err)
	}
	sub.Name = r.PostForm.Get("name")
	sub.Email = r.PostForm.Get("email")
	sub.Phone = r.PostForm.Get("phone")
	sub.ZipCode = r.PostForm.Get("zip_code")
	sub.EventsInterested = append(sub.EventsInterested, r.PostForm["events_interested"]...)
	sub.EventsInterested = append(sub.EventsInterested, r.PostForm["events_interested[]"]...)

	return sub, nil
}

func successURL(id int64, token string) string {
	u := "/success/" + strconv.FormatInt(id, 10)
	if token != "" {
		u += "?t=" + token
	}
	return u
}

type createdResponse struct {
	ID                 int64                     `json:"id"`
	Name               string                    `json:"name"`
	Email              string                    `json:"email"`
	Phone              string                    `json:"phone,omitempty"`
	ZipCode            string                    `json:"zip_code"`
	EventsInterested   []string                  `json:"events_interested"`
	CreatedAt          time.Time                 `json:"created_at"`
	NotificationStatus domain.NotificationStatus `json:"notification_status"`
	SuccessURL         string                    `json:"success_url"`
}

func toCreatedResponse(s *domain.Signup) createdResponse {
	return createdResponse{
		ID:                 s.ID,
		Name:               s.Name,
		Email:              s.Email,
		Phone:              s.Phone,
		ZipCode:            s.ZipCode,
		EventsInterested:   s.EventsInterested,
		CreatedAt:          s.CreatedAt,
		NotificationStatus: s.NotificationStatus,
	}
}

// successResponse carries contact details only for receipt holders; ids are
// sequential.
type successResponse struct {
	ID                 int64                     `json:"id"`
	Name               string                    `json:"name"`
	Email              string                    `json:"email,omitempty"`
	Phone              string                    `json:"phone,omitempty"`
	ZipCode            string                    `json:"zip_code,omitempty"`
	EventsInterested   []string                  `json:"events_interested"`
	CreatedAt          time.Time                 `json:"created_at"`
	NotificationStatus domain.NotificationStatus `json:"notification_status"`
}

func toSuccessResponse(s *domain.Signup, withContact bool) successResponse {
	resp := successResponse{
		ID:                 s.ID,
		Name:               s.Name,
		EventsInterested:   s.EventsInterested,
		CreatedAt:          s.CreatedAt,
		NotificationStatus: s.NotificationStatus,
	}
	if withContact {
		resp.Email = s.Email
		resp.Phone = s.Phone
		resp.ZipCode = s.ZipCode
	}
	return resp
}
