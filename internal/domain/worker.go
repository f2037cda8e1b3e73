package domain

import (
	"context"
	"time"
)

// WorkerInfo describes a worker found on the network.
type WorkerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Address   string            `json:"address"` // host:port
	Transport string            `json:"transport"`
	Device    string            `json:"device,omitempty"`
	LastSeen  time.Time         `json:"last_seen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// WorkerDiscoverer finds and announces workers on the local network.
type WorkerDiscoverer interface {
	// Scan browses for workers until ctx is done or the scan timeout passes.
	Scan(ctx context.Context) ([]WorkerInfo, error)
	// Advertise announces this worker and blocks until ctx is done.
	Advertise(ctx context.Context, info WorkerInfo, port int) error
}
