package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/api/helpers"
	"github.com/meridianauth/meridian/internal/policy"
	"github.com/meridianauth/meridian/internal/storage"
)

// AuthzHandler exposes the relationship-based access control API.
type AuthzHandler struct {
	engine *policy.Engine
}

func NewAuthzHandler(engine *policy.Engine) *AuthzHandler {
	return &AuthzHandler{engine: engine}
}

// Check handles POST /api/v1/authz/check.
func (h *AuthzHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req policy.CheckRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := h.engine.Check(r.Context(), req)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Internal reasons trace the resolution path; the API contract is a
	// fixed phrase per outcome.
	if decision.Allowed {
		decision.Reason = "Permission granted"
	} else {
		decision.Reason = "Permission denied"
	}
	helpers.RespondJSON(w, http.StatusOK, decision)
}

// Expand handles GET /api/v1/authz/expand/{tenant_id}/{namespace}/{object_id}/{relation}.
func (h *AuthzHandler) Expand(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "tenant_id must be a UUID")
		return
	}

	subjects, err := h.engine.Expand(r.Context(), tenantID,
		chi.URLParam(r, "namespace"), chi.URLParam(r, "object_id"), chi.URLParam(r, "relation"))
	if err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "expand failed")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"subjects": subjects})
}

type tupleRequest struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	Namespace       string    `json:"namespace"`
	ObjectID        string    `json:"object_id"`
	Relation        string    `json:"relation"`
	SubjectType     string    `json:"subject_type"`
	SubjectID       string    `json:"subject_id"`
	SubjectRelation string    `json:"subject_relation,omitempty"`
}

func (t tupleRequest) tuple() storage.RelationTuple {
	return storage.RelationTuple{
		TenantID:        t.TenantID,
		Namespace:       t.Namespace,
		ObjectID:        t.ObjectID,
		Relation:        t.Relation,
		SubjectType:     t.SubjectType,
		SubjectID:       t.SubjectID,
		SubjectRelation: t.SubjectRelation,
	}
}

// WriteTuple handles POST /api/v1/authz/tuples.
func (h *AuthzHandler) WriteTuple(w http.ResponseWriter, r *http.Request) {
	var req tupleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.WriteTuple(r.Context(), req.tuple()); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to write tuple")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTuple handles DELETE /api/v1/authz/tuples.
func (h *AuthzHandler) DeleteTuple(w http.ResponseWriter, r *http.Request) {
	var req tupleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.DeleteTuple(r.Context(), req.tuple()); err != nil {
		helpers.RespondError(w, http.StatusInternalServerError, "failed to delete tuple")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putModelRequest struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Model    json.RawMessage `json:"model"`
}

// PutModel handles PUT /api/v1/authz/model: validates and stores a new
// authorization model version.
func (h *AuthzHandler) PutModel(w http.ResponseWriter, r *http.Request) {
	var req putModelRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.engine.PutModel(r.Context(), req.TenantID, req.Model)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, m)
}
