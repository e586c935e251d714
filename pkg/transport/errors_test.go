package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "abort", err: ErrAbort, want: CodeAborted},
		{name: "wrapped abort", err: &url.Error{Op: "Post", URL: "http://x", Err: ErrAbort}, want: CodeAborted},
		{name: "canceled", err: context.Canceled, want: CodeAborted},
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: CodeTimeout},
		{name: "fasthttp timeout", err: fasthttp.ErrTimeout, want: CodeTimeout},
		{name: "dns", err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nowhere"}}, want: CodeDNS},
		{name: "refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: CodeConnect},
		{name: "write", err: &net.OpError{Op: "write", Net: "tcp", Err: errors.New("broken pipe")}, want: CodeWrite},
		{name: "parse", err: &url.Error{Op: "parse", URL: "::", Err: errors.New("missing scheme")}, want: CodeBadURL},
		{name: "other", err: errors.New("boom"), want: CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify(tt.err)
			require.Equal(t, tt.want, CodeOf(err))
			require.ErrorIs(t, err, tt.err)
			require.Contains(t, err.Error(), tt.want.String())
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	t.Parallel()
	require.NoError(t, classify(nil))
	require.Equal(t, CodeUnknown, CodeOf(nil))
}

func TestClassify_KeepsExistingCode(t *testing.T) {
	t.Parallel()
	orig := &Error{Code: CodeTLS, Err: errors.New("bad cert")}
	err := classify(fmt.Errorf("wrapped: %w", orig))
	require.Same(t, orig, err)
}
