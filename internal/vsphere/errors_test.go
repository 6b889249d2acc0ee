package vsphere_test

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/vcompanion/vcompanion/internal/vsphere"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want vsphere.ErrorKind
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, vsphere.KindTimeout},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), vsphere.KindTimeout},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), vsphere.KindNetwork},
		{"host unreachable", fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), vsphere.KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "vc01"}, vsphere.KindNetwork},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("broken")}, vsphere.KindNetwork},
		{"unknown authority", x509.UnknownAuthorityError{}, vsphere.KindTLS},
		{"hostname mismatch", x509.HostnameError{Certificate: &x509.Certificate{}, Host: "vc01"}, vsphere.KindTLS},
		{"login string", errors.New("ServerFaultCode: Cannot complete login due to an incorrect user name or password."), vsphere.KindAuth},
		{"certificate string", errors.New("x509: certificate signed by unknown authority"), vsphere.KindTLS},
		{"timeout string", errors.New("operation timeout waiting for response"), vsphere.KindTimeout},
		{"refused string", errors.New("connect: connection refused"), vsphere.KindNetwork},
		{"opaque", errors.New("something else entirely"), vsphere.KindUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := vsphere.Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestConnectionErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	ce := &vsphere.ConnectionError{Kind: vsphere.KindNetwork, Err: inner}

	if !errors.Is(ce, syscall.ECONNREFUSED) {
		t.Fatal("ConnectionError must unwrap to its cause")
	}
	if got := vsphere.KindOf(fmt.Errorf("connect: %w", ce)); got != vsphere.KindNetwork {
		t.Fatalf("KindOf(wrapped) = %q, want network", got)
	}
}

func TestKindOfClassifiesForeignErrors(t *testing.T) {
	t.Parallel()

	if got := vsphere.KindOf(context.DeadlineExceeded); got != vsphere.KindTimeout {
		t.Fatalf("KindOf = %q, want timeout", got)
	}
}

func TestIsConnectivity(t *testing.T) {
	t.Parallel()

	network := &vsphere.ConnectionError{Kind: vsphere.KindNetwork, Err: errors.New("down")}
	if !vsphere.IsConnectivity(network) {
		t.Fatal("network errors are connectivity loss")
	}
	if !vsphere.IsConnectivity(context.DeadlineExceeded) {
		t.Fatal("timeouts are connectivity loss")
	}
	auth := &vsphere.ConnectionError{Kind: vsphere.KindAuth, Err: errors.New("denied")}
	if vsphere.IsConnectivity(auth) {
		t.Fatal("auth failures are not connectivity loss")
	}
	if vsphere.IsConnectivity(errors.New("one item failed to parse")) {
		t.Fatal("item-level errors are not connectivity loss")
	}
}
