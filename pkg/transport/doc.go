// Package transport is the HTTP client layer used by delivery workers.
//
// An Engine opens Conns bound to one destination URL. A Conn performs POST
// requests whose body is either a fixed byte slice or pulled incrementally
// through a FillFunc. Response bodies are always discarded: only the status
// code and a classified transport error are reported.
//
// Two engines are provided: NetHTTP (net/http, the default) and FastHTTP
// (github.com/valyala/fasthttp). Multi multiplexes many fixed-body requests
// over one Conn with a bounded number of concurrent transfers.
//
// # Fill contract
//
// A FillFunc is called with a buffer to fill and returns:
//   - n > 0: n bytes were written to the buffer,
//   - (0, nil): the body is complete,
//   - ErrPause: no data is available yet; the engine waits and calls again,
//     without starting network I/O if nothing has been sent,
//   - ErrAbort: the request must be abandoned.
package transport
