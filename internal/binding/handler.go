package binding

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nestguard/nestguard/internal/directory"
	"github.com/nestguard/nestguard/internal/platform/httpx"
)

// Handler exposes the binding flow over the agent's local HTTP API, which is
// what the on-device UI talks to. One flow at a time; the protocol itself is
// sequential, so calls are serialized here.
type Handler struct {
	logger      *slog.Logger
	newProtocol func(dependentPath bool) *Protocol
	validator   *validator.Validate

	mu    sync.Mutex
	proto *Protocol
}

// NewHandler constructs a Handler. newProtocol starts a fresh flow; the
// dependent-path choice is made by the user at the invite-code step.
func NewHandler(logger *slog.Logger, newProtocol func(dependentPath bool) *Protocol) *Handler {
	return &Handler{
		logger:      logger,
		newProtocol: newProtocol,
		validator:   validator.New(),
	}
}

// MountRoutes attaches the binding routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/binding/state", h.handleState)
	r.Post("/binding/invite", h.handleInvite)
	r.Post("/binding/authenticate", h.handleAuthenticate)
	r.Get("/binding/roster", h.handleRoster)
	r.Post("/binding/select", h.handleSelect)
	r.Post("/binding/reset", h.handleReset)
}

type inviteRequest struct {
	InviteCode      string `json:"invite_code" validate:"required"`
	DependentDevice bool   `json:"dependent_device"`
}

type authenticateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type selectProfileRequest struct {
	MemberID string `json:"member_id" validate:"required"`
}

type stateResponse struct {
	Stage     string               `json:"stage"`
	Household *directory.Household `json:"household,omitempty"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proto == nil {
		httpx.JSON(w, http.StatusOK, stateResponse{Stage: StageEnterInviteCode.String()})
		return
	}
	httpx.JSON(w, http.StatusOK, stateResponse{Stage: h.proto.Stage().String(), Household: h.proto.Household()})
}

// handleInvite starts (or restarts) a flow. Submitting a code while a flow is
// mid-stage abandons the old flow; the UI's back-to-start action maps here.
func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	proto := h.newProtocol(req.DependentDevice)
	if err := proto.SubmitInviteCode(r.Context(), req.InviteCode); err != nil {
		respondError(w, err)
		return
	}
	h.proto = proto
	h.logger.Info("binding flow started",
		slog.String("household_id", proto.Household().ID),
		slog.Bool("dependent_device", req.DependentDevice))
	httpx.JSON(w, http.StatusOK, stateResponse{Stage: proto.Stage().String(), Household: proto.Household()})
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	proto, ok := h.currentFlow(w)
	if !ok {
		return
	}
	if err := proto.Authenticate(r.Context(), req.Email, req.Password); err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stateResponse{Stage: proto.Stage().String(), Household: proto.Household()})
}

func (h *Handler) handleRoster(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	proto, ok := h.currentFlow(w)
	if !ok {
		return
	}
	roster, err := proto.Roster(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roster)
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectProfileRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	proto, ok := h.currentFlow(w)
	if !ok {
		return
	}
	if err := proto.SelectProfile(r.Context(), req.MemberID); err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stateResponse{Stage: proto.Stage().String(), Household: proto.Household()})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proto != nil {
		h.proto.Reset()
		h.proto = nil
	}
	httpx.JSON(w, http.StatusOK, stateResponse{Stage: StageEnterInviteCode.String()})
}

// respondError maps protocol errors onto the shared problem responses, with
// stage mismatches as conflicts.
func respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrStageOrder) {
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	httpx.RespondError(w, err)
}

// currentFlow returns the in-progress protocol, or responds with the stage
// error the protocol itself would report.
func (h *Handler) currentFlow(w http.ResponseWriter) (*Protocol, bool) {
	if h.proto == nil {
		httpx.Problem(w, http.StatusConflict, "Conflict", ErrStageOrder.Error())
		return nil, false
	}
	return h.proto, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}
