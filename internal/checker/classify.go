package checker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/proxy-watch/internal/types"
)

// ErrProtocolMismatch marks a proxy that answered but not as expected:
// bad status, missing marker or an unsupported handshake.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// Classify maps a probe error to its failure class
func Classify(err error) types.ErrorClass {
	if err == nil {
		return types.ErrNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return types.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return types.ErrConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return types.ErrConnectionReset
	case errors.Is(err, ErrProtocolMismatch):
		return types.ErrProtocol
	}

	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &authorityErr) || errors.As(err, &hostnameErr) {
		return types.ErrProtocol
	}

	// SOCKS libraries flatten the underlying error into text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return types.ErrTimeout
	case strings.Contains(msg, "connection refused"):
		return types.ErrConnectionRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"):
		return types.ErrConnectionReset
	case strings.Contains(msg, "tls"), strings.Contains(msg, "socks"),
		strings.Contains(msg, "proxyconnect"), strings.Contains(msg, "malformed http"):
		return types.ErrProtocol
	}

	return types.ErrOther
}
