package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/application"
	"github.com/iota-uz/hierarchy/pkg/httpapi"
)

// CanonicalAPIController exposes the platform-operator surface for the
// canonical tree.
type CanonicalAPIController struct {
	app      application.Application
	basePath string
}

func NewCanonicalAPIController(app application.Application) application.Controller {
	return &CanonicalAPIController{
		app:      app,
		basePath: "/hierarchy/canonical",
	}
}

func (c *CanonicalAPIController) Key() string {
	return c.basePath
}

func (c *CanonicalAPIController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("/nodes", c.listChildren).Methods(http.MethodGet)
	router.HandleFunc("/nodes", c.create).Methods(http.MethodPost)
	router.HandleFunc("/nodes/by-path", c.getByPath).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}", c.getByID).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/subtree", c.subtree).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/rename", c.rename).Methods(http.MethodPost)
	router.HandleFunc("/nodes/{id}/move", c.move).Methods(http.MethodPost)
	router.HandleFunc("/nodes/{id}/deactivate", c.deactivate).Methods(http.MethodPost)
	router.HandleFunc("/branches/resume", c.resumeBranch).Methods(http.MethodPost)
}

func (c *CanonicalAPIController) service() *services.CanonicalService {
	return c.app.Service(services.CanonicalService{}).(*services.CanonicalService)
}

type createNodeRequest struct {
	ParentID     *uuid.UUID `json:"parent_id"`
	Name         string     `json:"name"`
	ExternalCode string     `json:"external_code"`
	ValidFrom    *time.Time `json:"valid_from"`
}

func (c *CanonicalAPIController) create(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return
	}
	if req.Name == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required", nil)
		return
	}

	input := services.CreateNodeInput{
		ParentID:     req.ParentID,
		Name:         req.Name,
		ExternalCode: req.ExternalCode,
	}
	if req.ValidFrom != nil {
		input.ValidFrom = *req.ValidFrom
	}
	n, err := c.service().Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, toNodeResponse(n))
}

// listChildren lists root nodes, or the direct children of parent_id, with an
// optional level filter.
func (c *CanonicalAPIController) listChildren(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var parentID *uuid.UUID
	if raw := q.Get("parent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid parent_id", nil)
			return
		}
		parentID = &id
	}
	level := 0
	if raw := q.Get("level"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid level", nil)
			return
		}
		level = l
	}

	nodes, err := c.service().ListChildren(r.Context(), parentID, level)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, out)
}

func (c *CanonicalAPIController) getByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	n, err := c.service().GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toNodeResponse(n))
}

func (c *CanonicalAPIController) getByPath(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "path query parameter is required", nil)
		return
	}
	n, err := c.service().GetByPath(r.Context(), p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toNodeResponse(n))
}

func (c *CanonicalAPIController) subtree(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	svc := c.service()
	root, err := svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	activeOnly := r.URL.Query().Get("include_inactive") != "true"
	nodes, err := svc.Descendants(r.Context(), root.Path, activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, out)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (c *CanonicalAPIController) rename(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required", nil)
		return
	}
	n, err := c.service().Rename(r.Context(), id, req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toNodeResponse(n))
}

type moveRequest struct {
	NewParentID uuid.UUID `json:"new_parent_id"`
}

func (c *CanonicalAPIController) move(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewParentID == uuid.Nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "new_parent_id is required", nil)
		return
	}
	n, err := c.service().Move(r.Context(), id, req.NewParentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toNodeResponse(n))
}

type deactivateRequest struct {
	Cascade bool `json:"cascade"`
}

func (c *CanonicalAPIController) deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req deactivateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	n, err := c.service().Deactivate(r.Context(), id, req.Cascade)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toNodeResponse(n))
}

type resumeBranchRequest struct {
	Path string `json:"path"`
}

// resumeBranch lifts a cache-inconsistency write halt after an operator
// verified or repaired the branch.
func (c *CanonicalAPIController) resumeBranch(w http.ResponseWriter, r *http.Request) {
	var req resumeBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "path is required", nil)
		return
	}
	c.service().ResumeBranch(req.Path)
	_ = httpapi.WriteJSON(w, http.StatusNoContent, nil)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}
