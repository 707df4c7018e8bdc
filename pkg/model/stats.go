package model

// Stats summarizes registry occupancy.
type Stats struct {
	Meshes    int `json:"meshes"`
	Nodes     int `json:"nodes"`
	MaxMeshes int `json:"maxMeshes"`
}
