package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nestguard/nestguard/internal/observability"
	"github.com/nestguard/nestguard/internal/platform/httpx"
	"github.com/nestguard/nestguard/internal/shared"
)

// Handler wires HTTP endpoints for the household directory.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	validator      *validator.Validate
	metrics        *observability.Metrics
}

// NewHandler constructs a Handler instance. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		validator:      validator.New(),
		metrics:        metrics,
	}
}

type createHouseholdRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

type joinHouseholdRequest struct {
	InviteCode string `json:"invite_code" validate:"required,len=6,numeric"`
	Role       string `json:"role" validate:"required,oneof=guardian dependent"`
}

type addDependentRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=128"`
	Age         *int   `json:"age,omitempty" validate:"omitempty,min=0,max=17"`
}

type targetSelectionRequest struct {
	BlockedApps       []string `json:"blocked_apps"`
	BlockedCategories []string `json:"blocked_categories"`
	BlockedDomains    []string `json:"blocked_domains"`
}

type bindDeviceRequest struct {
	InviteCode string `json:"invite_code" validate:"required,len=6,numeric"`
	MemberID   string `json:"member_id" validate:"required,uuid"`
	DeviceID   string `json:"device_id" validate:"required,max=128"`
}

type bindDeviceResponse struct {
	Token     string     `json:"token"`
	Household *Household `json:"household"`
	Member    *Member    `json:"member"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (h *Handler) handleVerifyInvite(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	ok, err := h.service.VerifyInviteCode(r.Context(), code)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, verifyResponse{Valid: ok})
}

func (h *Handler) handleHouseholdByCode(w http.ResponseWriter, r *http.Request) {
	household, err := h.service.GetHouseholdByInviteCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, household)
}

// handleRosterByCode exposes the member roster to devices that hold the invite
// code but no guardian session yet; the dependent onboarding path depends on it.
func (h *Handler) handleRosterByCode(w http.ResponseWriter, r *http.Request) {
	household, err := h.service.GetHouseholdByInviteCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	members, err := h.service.ListMembers(r.Context(), household.ID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, members)
}

func (h *Handler) handleCreateHousehold(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	var req createHouseholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	household, err := h.service.CreateHousehold(r.Context(), req.Name, sess.MemberID)
	if err != nil {
		if errors.Is(err, ErrMembershipPending) {
			// The household exists; the client retries membership registration.
			httpx.JSON(w, http.StatusAccepted, household)
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, household)
}

func (h *Handler) handleJoinHousehold(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	var req joinHouseholdRequest
	if !h.decode(w, r, &req) {
		return
	}
	household, err := h.service.JoinHousehold(r.Context(), req.InviteCode, sess.MemberID, Role(req.Role))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, household)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "id")
	if !h.requireHouseholdAccess(w, r, householdID) {
		return
	}
	members, err := h.service.ListMembers(r.Context(), householdID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, members)
}

func (h *Handler) handleListDependents(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "id")
	if !h.requireHouseholdAccess(w, r, householdID) {
		return
	}
	dependents, err := h.service.ListDependents(r.Context(), householdID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dependents)
}

func (h *Handler) handleResolveHousehold(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")
	if !h.requireMemberHouseholdAccess(w, r, memberID) {
		return
	}
	household, err := h.service.ResolveHouseholdForMember(r.Context(), memberID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, household)
}

func (h *Handler) handleAddDependent(w http.ResponseWriter, r *http.Request) {
	householdID := chi.URLParam(r, "id")
	if !h.requireHouseholdAccess(w, r, householdID) {
		return
	}
	var req addDependentRequest
	if !h.decode(w, r, &req) {
		return
	}
	dependent, err := h.service.AddDependent(r.Context(), householdID, req.DisplayName, req.Age)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dependent)
}

func (h *Handler) handleGetTargets(w http.ResponseWriter, r *http.Request) {
	dependentID := chi.URLParam(r, "id")
	if !h.requireMemberHouseholdAccess(w, r, dependentID) {
		return
	}
	sel, err := h.service.GetTargetSelection(r.Context(), dependentID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sel)
}

func (h *Handler) handleSetTargets(w http.ResponseWriter, r *http.Request) {
	dependentID := chi.URLParam(r, "id")
	if !h.requireMemberHouseholdAccess(w, r, dependentID) {
		return
	}
	var req targetSelectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sel := TargetSelection{
		DependentID:       dependentID,
		BlockedApps:       req.BlockedApps,
		BlockedCategories: req.BlockedCategories,
		BlockedDomains:    req.BlockedDomains,
	}
	if err := h.service.SetTargetSelection(r.Context(), sel); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.NoContent(w)
}

// handleBindDevice is the server half of the role-binding protocol's final
// stage. A guardian profile may only be bound by the guardian's own
// authenticated session; a dependent profile is bindable by possession of the
// household's invite code alone, since dependents hold no credential. Either
// way the member must belong to the household the code resolves to.
func (h *Handler) handleBindDevice(w http.ResponseWriter, r *http.Request) {
	var req bindDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	household, err := h.service.GetHouseholdByInviteCode(r.Context(), req.InviteCode)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	member, err := h.service.GetMember(r.Context(), req.MemberID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !member.InHousehold(household.ID) {
		h.recordDenial(r.Context(), member.ID, household.ID, "cross-tenant")
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	if member.Role == RoleGuardian {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.MemberID != member.ID {
			h.recordDenial(r.Context(), member.ID, household.ID, "session")
			httpx.RespondError(w, shared.ErrUnauthorized)
			return
		}
	}

	sess, err := h.sessionManager.Create(r.Context(), member.ID)
	if err != nil {
		h.logger.Error("create device session", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.service.RecordDeviceBinding(r.Context(), req.DeviceID, household.ID, member.ID)
	httpx.JSON(w, http.StatusOK, bindDeviceResponse{Token: sess.ID, Household: household, Member: member})
}

// requireHouseholdAccess enforces that the session's member belongs to the
// household being read. Deny reads as Unauthorized, not NotFound, so audits
// can tell a tenancy denial from a missing record.
func (h *Handler) requireHouseholdAccess(w http.ResponseWriter, r *http.Request, householdID string) bool {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return false
	}
	member, err := h.service.GetMember(r.Context(), sess.MemberID)
	if err != nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return false
	}
	if !member.InHousehold(householdID) {
		h.logger.Warn("cross-household access denied",
			slog.String("member_id", sess.MemberID),
			slog.String("household_id", householdID))
		h.service.RecordAccessDenial(r.Context(), sess.MemberID, householdID)
		httpx.RespondError(w, shared.ErrUnauthorized)
		return false
	}
	return true
}

// requireMemberHouseholdAccess scopes a member-addressed route (targets,
// household resolution) to sessions from that member's own household. A
// member with no household yet is unreachable through these routes.
func (h *Handler) requireMemberHouseholdAccess(w http.ResponseWriter, r *http.Request, memberID string) bool {
	target, err := h.service.GetMember(r.Context(), memberID)
	if err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if target.HouseholdID == nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return false
	}
	return h.requireHouseholdAccess(w, r, *target.HouseholdID)
}

func (h *Handler) recordDenial(ctx context.Context, memberID, householdID, invariant string) {
	if h.metrics != nil {
		h.metrics.IncrementBindingDenial(invariant)
	}
	h.service.RecordBindingDenial(ctx, memberID, householdID, invariant)
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
