package ownerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/metrics"
	"github.com/ruteri/seedguard/serverstore"
)

// Config holds the protocol parameters of the server.
type Config struct {
	// UnlockDuration is how long an unlock or prolongation lasts.
	UnlockDuration time.Duration

	// AccessTimelock delays availability of an approved access record,
	// counted from its creation.
	AccessTimelock time.Duration

	// AccessTTL is the lifetime of an access record.
	AccessTTL time.Duration

	// VerificationRateLimit bounds verification and unlock attempts per
	// account and minute.
	VerificationRateLimit int
}

func DefaultConfig() Config {
	return Config{
		UnlockDuration:        900 * time.Second,
		AccessTTL:             24 * time.Hour,
		VerificationRateLimit: 10,
	}
}

// Handler serves the owner and approver API.
type Handler struct {
	store    serverstore.Store
	biometry interfaces.BiometricVerifier
	state    *common.ProcessState
	metrics  *metrics.Metrics
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func NewHandler(store serverstore.Store, biometry interfaces.BiometricVerifier, state *common.ProcessState, m *metrics.Metrics, cfg Config, log *slog.Logger) *Handler {
	if cfg.UnlockDuration <= 0 {
		cfg.UnlockDuration = DefaultConfig().UnlockDuration
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultConfig().AccessTTL
	}
	if cfg.VerificationRateLimit <= 0 {
		cfg.VerificationRateLimit = DefaultConfig().VerificationRateLimit
	}
	if m == nil {
		m = metrics.NewMetrics(common.PackageName)
	}
	return &Handler{
		store:    store,
		biometry: biometry,
		state:    state,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RegisterRoutes mounts the API under /v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.maintenance)
		r.Use(h.authenticate)

		r.Get("/user", h.handleGetUser)
		r.Get("/feature-flags", h.handleFeatureFlags)

		r.Post("/authentication/password", h.handleEnrollPassword)
		r.Post("/authentication/biometry", h.handleEnrollBiometry)
		r.With(h.attemptLimit()).Post("/unlock", h.handleUnlock)
		r.Post("/unlock-extension", h.handleProlongUnlock)
		r.Post("/lock", h.handleLock)

		r.Put("/policy-setup", h.handleCreatePolicySetup)
		r.Post("/policy-setup/approvers/{participantId}/confirmation", h.handleConfirmApprover)
		r.Post("/policy-setup/approvers/{participantId}/rejection", h.handleRejectApproverVerification)
		r.Put("/policy", h.handleCreateOrReplacePolicy)

		r.Post("/vault/secrets", h.handleStoreSecret)
		r.Delete("/vault/secrets/{guid}", h.handleDeleteSecret)

		r.Post("/access", h.handleRequestAccess)
		r.Delete("/access", h.handleDeleteAccess)
		r.With(h.attemptLimit()).Post("/access/approvals/{participantId}/verification", h.handleSubmitAccessVerification)
		r.With(h.attemptLimit()).Post("/access/retrieval", h.handleRetrieveShards)

		r.Post("/invitations/{invitationId}/accept", h.handleAcceptInvitation)
		r.Post("/invitations/{invitationId}/decline", h.handleDeclineInvitation)
		r.With(h.attemptLimit()).Post("/invitations/{invitationId}/verification", h.handleSubmitApproverVerification)
		r.Get("/approvals", h.handleListApprovals)
		r.Post("/approvals/{approvalId}/acknowledge", h.handleAcknowledgeApproval)
		r.Post("/approvals/{approvalId}/approval", h.handleApproveAccess)
		r.Post("/approvals/{approvalId}/verification-rejection", h.handleRejectAccessVerification)
		r.Post("/approvals/{approvalId}/rejection", h.handleRejectAccess)
	})
}

// attemptLimit bounds attempts per account on one route.
func (h *Handler) attemptLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		h.cfg.VerificationRateLimit,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return r.Header.Get(api.HeaderAccountID), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.writeError(w, r, fmt.Errorf("%w: too many attempts", interfaces.ErrValidation))
		}),
	)
}

type callerKey struct{}

func callerFrom(ctx context.Context) api.Caller {
	caller, _ := ctx.Value(callerKey{}).(api.Caller)
	return caller
}

func (h *Handler) maintenance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.state.UnderMaintenance() {
			h.metrics.MaintenanceRejectionTotal.Inc()
			h.writeError(w, r, interfaces.ErrUnderMaintenance)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := api.VerifyRequest(r, h.now())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqErr := api.ErrorFor(err)
	log := h.log.With(slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("reason", reqErr.Reason))
	if reqErr.StatusCode >= http.StatusInternalServerError && reqErr.Reason == api.ReasonInternal {
		log.Error("Request failed", "err", err)
	} else {
		log.Debug("Request rejected", "err", err)
	}
	writeJSON(w, reqErr.StatusCode, reqErr.Response())
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read body: %v", interfaces.ErrValidation, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrValidation, err)
	}
	return nil
}

func participantParam(r *http.Request) (interfaces.ParticipantId, error) {
	id, err := interfaces.ParseParticipantId(chi.URLParam(r, "participantId"))
	if err != nil {
		return id, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}
	return id, nil
}

// bindDevice admits the first device of a fresh account and rejects
// unknown devices of established ones.
func bindDevice(acc *serverstore.Account, device cryptoutils.PublicKey) error {
	if acc.HasDevice(device) {
		return nil
	}
	if len(acc.Devices) == 0 {
		acc.Devices = append(acc.Devices, device)
		return nil
	}
	return fmt.Errorf("%w: device is not registered for the account", interfaces.ErrUnauthorized)
}

// updateOwner applies fn to the caller's account after binding the calling
// device. fn must not call back into the store.
func (h *Handler) updateOwner(r *http.Request, now time.Time, fn func(acc *serverstore.Account, caller api.Caller) error) (*serverstore.Account, error) {
	caller := callerFrom(r.Context())
	return h.store.Update(r.Context(), caller.AccountID, func(acc *serverstore.Account) error {
		if err := bindDevice(acc, caller.DevicePublicKey); err != nil {
			return err
		}
		return fn(acc, caller)
	})
}

// respond writes the owner state of acc, or err.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, acc *serverstore.Account, now time.Time, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	state := h.ownerState(acc, callerFrom(r.Context()), now)
	writeJSON(w, http.StatusOK, api.OwnerStateResponse{OwnerState: state})
}

func (h *Handler) handleFeatureFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Flags())
}
