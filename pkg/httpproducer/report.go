package httpproducer

import (
	"github.com/ava-labs/http-producer/pkg/transport"
)

// DeliveryReport is passed to the report callback once per message.
type DeliveryReport struct {
	// Err is the transport failure, nil when a response was received.
	Err error
	// StatusCode is the HTTP status, 0 when Err is set.
	StatusCode int
	Payload    []byte
	Opaque     any
}

// OK reports a transport success with a 2xx status.
func (r DeliveryReport) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Status is a human readable outcome, "No error" on transport success.
func (r DeliveryReport) Status() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return "No error"
}

// ReportFunc receives delivery reports. The payload must not be retained
// after it returns.
type ReportFunc func(DeliveryReport)

// report is the unit moved from workers to GetReports: one request outcome
// shared by every message that request carried.
type report struct {
	messages []*Message
	result   transport.Result
}
