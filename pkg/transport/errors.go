package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/valyala/fasthttp"
)

// Code classifies transport failures.
type Code int

const (
	CodeUnknown Code = iota
	CodeConnect
	CodeDNS
	CodeTLS
	CodeTimeout
	CodeAborted
	CodeWrite
	CodeBadURL
)

func (c Code) String() string {
	switch c {
	case CodeConnect:
		return "couldn't connect to server"
	case CodeDNS:
		return "couldn't resolve host name"
	case CodeTLS:
		return "SSL connect error"
	case CodeTimeout:
		return "timeout was reached"
	case CodeAborted:
		return "operation was aborted"
	case CodeWrite:
		return "failed sending data to the peer"
	case CodeBadURL:
		return "URL using bad/illegal format"
	default:
		return "unknown error"
	}
}

// Error is a classified transport failure delivered with a report.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the classification of err, or CodeUnknown if err is not a
// transport error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

// classify wraps err in an *Error. It returns nil for a nil err.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Code: codeFor(err), Err: err}
}

func codeFor(err error) Code {
	if errors.Is(err, ErrAbort) || errors.Is(err, context.Canceled) {
		return CodeAborted
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNS
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	var (
		certErr      *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		recordHdrErr tls.RecordHeaderError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordHdrErr) {
		return CodeTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return CodeConnect
		case "write":
			return CodeWrite
		}
	}
	if errors.Is(err, fasthttp.ErrNoFreeConns) || errors.Is(err, fasthttp.ErrConnectionClosed) {
		return CodeConnect
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return CodeBadURL
	}
	return CodeUnknown
}
