package model

// Interface is the requesting node's own section of a mesh config.
type Interface struct {
	Address    string `json:"address"` // overlay address with the mesh prefix length
	Host       string `json:"host"`    // registered (public) address
	PublicKey  string `json:"publicKey"`
	ListenPort int    `json:"listenPort"`
}

// MeshConfig is the peer list synthesized for one member of a mesh.
type MeshConfig struct {
	MeshID    string    `json:"meshId"`
	Interface Interface `json:"interface"`
	Peers     []Peer    `json:"peers"`
}
