package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/application"
	"github.com/iota-uz/hierarchy/pkg/composables"
	"github.com/iota-uz/hierarchy/pkg/httpapi"
)

// TenantAPIController exposes the tenant-facing surface: replica bootstrap,
// private extensions, subtree queries, the review queue and entity bindings.
type TenantAPIController struct {
	app      application.Application
	basePath string
}

func NewTenantAPIController(app application.Application) application.Controller {
	return &TenantAPIController{
		app:      app,
		basePath: "/hierarchy/tenants/{tenantId}",
	}
}

func (c *TenantAPIController) Key() string {
	return c.basePath
}

func (c *TenantAPIController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.Use(c.tenantMiddleware)
	router.HandleFunc("/bootstrap", c.bootstrap).Methods(http.MethodPost)
	router.HandleFunc("/extensions", c.extend).Methods(http.MethodPost)
	router.HandleFunc("/nodes", c.listChildren).Methods(http.MethodGet)
	router.HandleFunc("/subtree", c.subtree).Methods(http.MethodGet)
	router.HandleFunc("/ancestors", c.ancestors).Methods(http.MethodGet)
	router.HandleFunc("/rollup", c.rollup).Methods(http.MethodGet)
	router.HandleFunc("/review", c.pendingReview).Methods(http.MethodGet)
	router.HandleFunc("/diverged", c.diverged).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{nodeId}/acknowledge", c.acknowledge).Methods(http.MethodPost)
	router.HandleFunc("/bindings", c.bindEntity).Methods(http.MethodPost)
}

// tenantMiddleware parses the tenant route variable once and stores it on
// the context for handlers and downstream services.
func (c *TenantAPIController) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(mux.Vars(r)["tenantId"])
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid tenantId", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(composables.WithTenantID(r.Context(), tenantID)))
	})
}

func (c *TenantAPIController) replicas() *services.ReplicaService {
	return c.app.Service(services.ReplicaService{}).(*services.ReplicaService)
}

func (c *TenantAPIController) queries() *services.QueryService {
	return c.app.Service(services.QueryService{}).(*services.QueryService)
}

type bootstrapRequest struct {
	CountryCode string `json:"country_code"`
}

func (c *TenantAPIController) bootstrap(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CountryCode == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "country_code is required", nil)
		return
	}
	copied, err := c.replicas().Bootstrap(r.Context(), tenantID, req.CountryCode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, map[string]int{"nodes_copied": copied})
}

type extendRequest struct {
	ParentID uuid.UUID `json:"parent_id"`
	Name     string    `json:"name"`
}

func (c *TenantAPIController) extend(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParentID == uuid.Nil || req.Name == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "parent_id and name are required", nil)
		return
	}
	n, err := c.replicas().Extend(r.Context(), services.ExtendInput{
		TenantID: tenantID,
		ParentID: req.ParentID,
		Name:     req.Name,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, toReplicaNodeResponse(n))
}

// listChildren lists the tenant's root nodes, or the direct children of
// parent_id, replicas and private extensions alike.
func (c *TenantAPIController) listChildren(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	var parentID *uuid.UUID
	if raw := r.URL.Query().Get("parent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid parent_id", nil)
			return
		}
		parentID = &id
	}
	nodes, err := c.replicas().ListChildren(r.Context(), tenantID, parentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toReplicaNodeResponses(nodes))
}

func (c *TenantAPIController) subtree(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	q := r.URL.Query()
	p := q.Get("path")
	if p == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "path query parameter is required", nil)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	level, _ := strconv.Atoi(q.Get("level"))

	page, err := c.queries().SubtreeMembers(r.Context(), services.SubtreeQuery{
		TenantID:        tenantID,
		Path:            p,
		Cursor:          q.Get("cursor"),
		Limit:           limit,
		Level:           level,
		IncludeUnsynced: q.Get("include_unsynced") == "true",
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"nodes":       toReplicaNodeResponses(page.Nodes),
		"next_cursor": page.NextCursor,
	})
}

func (c *TenantAPIController) ancestors(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	p := r.URL.Query().Get("path")
	if p == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "path query parameter is required", nil)
		return
	}
	chain, err := c.queries().AncestorChain(r.Context(), tenantID, p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toReplicaNodeResponses(chain))
}

func (c *TenantAPIController) rollup(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	p := r.URL.Query().Get("path")
	if p == "" {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "path query parameter is required", nil)
		return
	}
	result, err := c.queries().Rollup(r.Context(), tenantID, p)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, result)
}

func (c *TenantAPIController) pendingReview(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	nodes, err := c.replicas().ListPendingReview(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toReplicaNodeResponses(nodes))
}

func (c *TenantAPIController) diverged(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	nodes, err := c.replicas().ListDiverged(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toReplicaNodeResponses(nodes))
}

func (c *TenantAPIController) acknowledge(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	nodeID, ok := pathUUID(w, r, "nodeId")
	if !ok {
		return
	}
	if err := c.replicas().Acknowledge(r.Context(), tenantID, nodeID); err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusNoContent, nil)
}

type bindEntityRequest struct {
	NodeID   uuid.UUID `json:"node_id"`
	EntityID uuid.UUID `json:"entity_id"`
	RoleCode string    `json:"role_code"`
}

func (c *TenantAPIController) bindEntity(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := composables.UseTenantID(r.Context())
	var req bindEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == uuid.Nil || req.EntityID == uuid.Nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "node_id and entity_id are required", nil)
		return
	}
	binding, err := c.replicas().BindEntity(r.Context(), services.BindEntityInput{
		TenantID: tenantID,
		NodeID:   req.NodeID,
		EntityID: req.EntityID,
		RoleCode: req.RoleCode,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":        binding.ID,
		"node_id":   binding.NodeID,
		"entity_id": binding.EntityID,
		"role_code": binding.RoleCode,
	})
}
