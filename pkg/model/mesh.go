package model

import "time"

// Mesh is a named group of nodes sharing one identifier.
type Mesh struct {
	ID         string                `json:"id"`
	Nodes      map[string]NodeRecord `json:"nodes"` // keyed by address
	LastActive time.Time             `json:"lastActive"`
}

// NewMesh returns an empty mesh ready for inserts.
func NewMesh(id string, now time.Time) *Mesh {
	return &Mesh{
		ID:         id,
		Nodes:      make(map[string]NodeRecord),
		LastActive: now,
	}
}
