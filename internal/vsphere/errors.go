package vsphere

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// ErrorKind is the fixed taxonomy for connection failures. The presentation
// layer branches on it to tell "wrong password" apart from "VPN down".
type ErrorKind string

const (
	KindAuth    ErrorKind = "auth"
	KindNetwork ErrorKind = "network"
	KindTimeout ErrorKind = "timeout"
	KindTLS     ErrorKind = "tls"
	KindUnknown ErrorKind = "unknown"
)

// ConnectionError wraps a connect or probe failure with its classified kind.
type ConnectionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("vsphere: connection failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from an error, classifying on the fly
// when the error was not produced by this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// Classify maps an SDK or transport error onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.InvalidLogin, types.NoPermission, types.NotAuthenticated:
			return KindAuth
		}
	}

	var certVerify *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certVerify) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return KindTLS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.As(err, &dnsErr) {
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}

	// The SDK sometimes flattens transport failures into plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "incorrect user name or password"),
		strings.Contains(msg, "invalidlogin"):
		return KindAuth
	case strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return KindTLS
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"):
		return KindNetwork
	}

	return KindUnknown
}

// IsConnectivity reports whether the error means the session itself is gone
// (as opposed to a single failed retrieval), so the caller should mark the
// endpoint ERROR and tear the session down.
func IsConnectivity(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	if soap.IsSoapFault(err) {
		if _, ok := soap.ToSoapFault(err).VimFault().(types.NotAuthenticated); ok {
			return true
		}
	}
	return false
}
