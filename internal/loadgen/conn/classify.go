package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/net/http2"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// classify turns a transport error into a Result.
//
// parent is the abandon context handed to Send, reqCtx the per-request
// timeout context derived from it.
func classify(parent, reqCtx context.Context, err error) loadgen.Result {
	if parent.Err() != nil {
		return loadgen.Result{Outcome: loadgen.OutcomeCancelled, Err: err}
	}

	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return loadgen.Result{Outcome: loadgen.OutcomeTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return loadgen.Result{Outcome: loadgen.OutcomeTimeout, Err: err}
	}

	return loadgen.Result{
		Outcome:   loadgen.OutcomeNetworkError,
		ErrorKind: ErrorKindOf(err),
		Err:       err,
	}
}

// ErrorKindOf narrows a network error to an ErrorKind.
func ErrorKindOf(err error) loadgen.ErrorKind {
	if err == nil {
		return loadgen.ErrorNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return loadgen.ErrorDNS
	}

	if isTLSError(err) {
		return loadgen.ErrorTLS
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return loadgen.ErrorConnect
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, errUnhealthy):
		return loadgen.ErrorReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return loadgen.ErrorEOF
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return loadgen.ErrorConnect
	}

	if isProtocolError(err) {
		return loadgen.ErrorProtocol
	}

	return loadgen.ErrorOther
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

func isProtocolError(err error) bool {
	var (
		streamErr http2.StreamError
		goAwayErr http2.GoAwayError
		connErr   http2.ConnectionError
	)
	if errors.As(err, &streamErr) || errors.As(err, &goAwayErr) || errors.As(err, &connErr) {
		return true
	}

	// net/http reports malformed HTTP/1.x responses as plain strings.
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") || strings.Contains(msg, "server sent") || strings.Contains(msg, "bad status")
}
