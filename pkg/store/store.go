package store

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"yawm/pkg/model"
)

const (
	// DefaultTTL bounds how long a node or mesh stays live without activity.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often the background expirer walks the registry.
	DefaultSweepInterval = 30 * time.Second
	// DefaultMaxMeshes caps the number of concurrently live meshes.
	DefaultMaxMeshes = 100
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrMeshCapacityExceeded = errors.New("mesh capacity exceeded")
	ErrMeshNotFound         = errors.New("mesh not found")
)

// Registry defines the mesh registry operations used by the HTTP layer.
type Registry interface {
	Register(RegisterRequest) (model.NodeRecord, error)
	GetMembers(meshID, requester string) ([]model.NodeRecord, error)
	View(meshID, requester string) (MeshView, error)
	Subscribe(meshID string) (<-chan struct{}, func())
	Stats() model.Stats
	Sweep() SweepResult
}

// RegisterRequest carries one node's registration payload.
type RegisterRequest struct {
	MeshID        string
	Address       string
	PublicKey     string
	ListenPort    int      // 0 means DefaultListenPort
	AllowedRoutes []string // empty means the node's own address
}

// MeshView is a consistent snapshot of one mesh taken on behalf of a member.
// Self is nil when the requester has no live record in the mesh.
type MeshView struct {
	MeshID string
	Self   *model.NodeRecord
	Peers  []model.NodeRecord
}

// SweepResult reports what one expiry pass removed.
type SweepResult struct {
	NodesEvicted  int
	MeshesRemoved int
}

// EvictEvent is emitted whenever expiry removes records from a mesh.
type EvictEvent struct {
	MeshID      string
	Nodes       int
	MeshRemoved bool
}

// Options tunes a MemoryStore. Zero values pick the package defaults.
type Options struct {
	TTL        time.Duration
	MaxMeshes  int
	StrictKeys bool // require publicKey to parse as a WireGuard key
	Clock      clock.Clock
	Logger     *zap.Logger
	OnEvict    func(EvictEvent)
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxMeshes <= 0 {
		o.MaxMeshes = DefaultMaxMeshes
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
