package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/httpapi"
)

type NodeResponse struct {
	ID           uuid.UUID  `json:"id"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	Name         string     `json:"name"`
	Level        int        `json:"level"`
	LevelName    string     `json:"level_name"`
	Path         string     `json:"path"`
	ExternalCode string     `json:"external_code,omitempty"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	Active       bool       `json:"active"`
}

type ReplicaNodeResponse struct {
	NodeResponse
	TenantID   uuid.UUID  `json:"tenant_id"`
	OriginID   *uuid.UUID `json:"origin_id,omitempty"`
	SyncStatus string     `json:"sync_status"`
	Extension  bool       `json:"extension"`
}

func toNodeResponse(n *node.Node) NodeResponse {
	return NodeResponse{
		ID:           n.ID,
		ParentID:     n.ParentID,
		Name:         n.Name,
		Level:        int(n.Level),
		LevelName:    n.Level.String(),
		Path:         n.Path,
		ExternalCode: n.ExternalCode,
		ValidFrom:    n.ValidFrom,
		ValidTo:      n.ValidTo,
		Active:       n.Active,
	}
}

func toReplicaNodeResponse(n *node.ReplicaNode) ReplicaNodeResponse {
	return ReplicaNodeResponse{
		NodeResponse: toNodeResponse(&n.Node),
		TenantID:     n.TenantID,
		OriginID:     n.OriginID,
		SyncStatus:   string(n.SyncStatus),
		Extension:    n.IsExtension(),
	}
}

func toReplicaNodeResponses(nodes []*node.ReplicaNode) []ReplicaNodeResponse {
	out := make([]ReplicaNodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toReplicaNodeResponse(n))
	}
	return out
}

// writeServiceError renders a service error as the API error envelope,
// falling back to a plain 500 for anything unmapped.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		_ = httpapi.WriteError(w, svcErr.Status, svcErr.Code, svcErr.Message, svcErr.Meta)
		return
	}
	_ = httpapi.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
