package tools

import (
	"context"
	"fmt"

	"github.com/arcfield/parley/internal/logging"
)

// Directory maps configured tool server IDs to endpoints and opens
// connections on demand. It implements orchestrator.ToolConnector.
type Directory struct {
	endpoints map[string]string
	log       *logging.Logger
}

// NewDirectory creates a directory from server ID to endpoint mappings.
func NewDirectory(endpoints map[string]string, log *logging.Logger) *Directory {
	return &Directory{endpoints: endpoints, log: log}
}

// Connect dials the named tool server.
func (d *Directory) Connect(ctx context.Context, serverID string) (Conn, error) {
	endpoint, ok := d.endpoints[serverID]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", serverID)
	}
	return DialHTTP(ctx, serverID, endpoint, d.log)
}

// IDs returns the configured server IDs.
func (d *Directory) IDs() []string {
	ids := make([]string, 0, len(d.endpoints))
	for id := range d.endpoints {
		ids = append(ids, id)
	}
	return ids
}
