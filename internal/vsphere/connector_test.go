package vsphere_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vcompanion/vcompanion/internal/registry"
	"github.com/vcompanion/vcompanion/internal/vsphere"
)

// Port 1 on loopback is reliably closed; the dial fails fast without leaving
// the connector holding a partial session.
func unreachableEndpoint() registry.Endpoint {
	return registry.Endpoint{ID: "ep1", Name: "dead", Host: "127.0.0.1", Port: 1, Enabled: true}
}

func TestConnectFailureLeavesNoSession(t *testing.T) {
	t.Parallel()

	c := vsphere.NewConnector(unreachableEndpoint())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.Connect(ctx, "admin", "pw")
	if err == nil {
		t.Fatal("Connect to a closed port succeeded")
	}
	var cerr *vsphere.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type: %T", err)
	}
	if cerr.Kind != vsphere.KindNetwork && cerr.Kind != vsphere.KindTimeout {
		t.Fatalf("kind = %s", cerr.Kind)
	}
	if got := c.LastErrorKind(); got != cerr.Kind {
		t.Fatalf("LastErrorKind = %s, want %s", got, cerr.Kind)
	}

	if c.IsAlive(ctx) {
		t.Fatal("IsAlive after a failed connect")
	}
	if _, err := c.FetchHosts(ctx); err == nil {
		t.Fatal("FetchHosts without a session succeeded")
	}

	// Repeated failures and disconnects stay idempotent.
	if err := c.Connect(ctx, "admin", "pw"); err == nil {
		t.Fatal("second Connect succeeded")
	}
	c.Disconnect()
	c.Disconnect()
}
