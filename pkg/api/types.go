package api

import (
	"time"

	"yawm/pkg/model"
)

// RegisterRequest is sent by a node joining a mesh. The node's address is
// taken from the connection, never from the body.
type RegisterRequest struct {
	PublicKey     string   `json:"publicKey"`
	ListenPort    int      `json:"listenPort,omitempty"`    // WireGuard listen port, default 51820
	AllowedRoutes []string `json:"allowedRoutes,omitempty"` // extra CIDRs routed to this node besides its overlay address
}

// RegisterResponse echoes the stored record and when it lapses.
type RegisterResponse struct {
	MeshID    string           `json:"meshId"`
	Node      model.NodeRecord `json:"node"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Message   string           `json:"message,omitempty"`
}

// MembersResponse lists the other live members of a mesh.
type MembersResponse struct {
	MeshID  string             `json:"meshId"`
	Members []model.NodeRecord `json:"members"`
}

// StatsResponse reports registry occupancy.
type StatsResponse struct {
	model.Stats
	Watchers int    `json:"watchers"`
	Version  string `json:"version"`
}
