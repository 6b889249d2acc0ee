// Package vsphere wraps the remote inventory SDK. The Connector is the only
// component that touches raw sessions; everything above it sees typed records
// and the connection-error taxonomy.
package vsphere

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"

	"github.com/vcompanion/vcompanion/internal/inventory"
	"github.com/vcompanion/vcompanion/internal/registry"
)

// Connector owns at most one live session to one endpoint.
type Connector struct {
	endpoint registry.Endpoint

	mu       sync.Mutex
	client   *govmomi.Client
	lastKind ErrorKind
}

// NewConnector builds a disconnected connector for the given endpoint.
func NewConnector(ep registry.Endpoint) *Connector {
	return &Connector{endpoint: ep}
}

// Endpoint returns the descriptor this connector dials.
func (c *Connector) Endpoint() registry.Endpoint { return c.endpoint }

// UpdateEndpoint replaces the descriptor used for future connects. The live
// session, if any, keeps its original target until the next reconnect.
func (c *Connector) UpdateEndpoint(ep registry.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = ep
}

// LastErrorKind returns the taxonomy kind of the most recent connect failure,
// or empty when the last connect succeeded.
func (c *Connector) LastErrorKind() ErrorKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKind
}

// Connect establishes a new authenticated session. Host, port and TLS policy
// come from the endpoint descriptor. On failure the error is classified and
// no partial session is left behind.
func (c *Connector) Connect(ctx context.Context, user, password string) error {
	c.mu.Lock()
	ep := c.endpoint
	c.mu.Unlock()

	u, err := soap.ParseURL(fmt.Sprintf("https://%s/sdk", ep.Address()))
	if err != nil {
		return &ConnectionError{Kind: KindUnknown, Err: fmt.Errorf("vsphere: parse URL for %s: %w", ep.ID, err)}
	}
	u.User = url.UserPassword(user, password)

	client, err := govmomi.NewClient(ctx, u, !ep.VerifyTLS)
	if err != nil {
		kind := Classify(err)
		c.mu.Lock()
		prev := c.client
		c.client = nil
		c.lastKind = kind
		c.mu.Unlock()
		c.retire(prev)
		log.Printf("[Connector] Failed to connect to %s (%s): %v", ep.Name, kind, err)
		return &ConnectionError{Kind: kind, Err: err}
	}

	c.mu.Lock()
	prev := c.client
	c.client = client
	c.lastKind = ""
	c.mu.Unlock()
	c.retire(prev)
	log.Printf("[Connector] Connected to %s (%s)", ep.Name, ep.Address())
	return nil
}

// retire logs out a session handle that has been replaced. Reconnecting over
// a live session would otherwise leak it server-side until timeout.
func (c *Connector) retire(client *govmomi.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := client.Logout(ctx); err != nil {
		log.Printf("[Connector] Logout of replaced session for %s: %v", c.endpoint.Name, err)
	}
}

// Disconnect releases the remote session if present. Idempotent; never fails.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := client.Logout(ctx); err != nil {
		log.Printf("[Connector] Logout from %s: %v", c.endpoint.Name, err)
	}
	log.Printf("[Connector] Disconnected from %s", c.endpoint.Name)
}

// IsAlive probes the session with a cheap round trip. Any failure tears down
// the local session reference so subsequent calls are consistent; this is a
// side effect, not a pure query.
func (c *Connector) IsAlive(ctx context.Context) bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return false
	}

	session, err := client.SessionManager.UserSession(ctx)
	if err != nil || session == nil {
		c.mu.Lock()
		if c.client == client {
			c.client = nil
		}
		c.mu.Unlock()
		if err != nil {
			log.Printf("[Connector] Liveness probe failed for %s: %v", c.endpoint.Name, err)
		}
		return false
	}
	return true
}

// About returns the endpoint's version metadata from the service content.
func (c *Connector) About(ctx context.Context) (inventory.AboutInfo, error) {
	client, err := c.vimClient()
	if err != nil {
		return inventory.AboutInfo{}, err
	}
	about := client.ServiceContent.About
	return inventory.AboutInfo{
		Version:  about.Version,
		Build:    about.Build,
		APIType:  about.ApiType,
		Vendor:   about.Vendor,
		FullName: about.FullName,
	}, nil
}

// errNotConnected is returned by fetchers invoked without a live session.
var errNotConnected = &ConnectionError{Kind: KindNetwork, Err: fmt.Errorf("vsphere: not connected")}

func (c *Connector) vimClient() (*vim25.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client.Client, nil
}
