package failover

import (
	"errors"
	"fmt"
	"time"

	"failback-loader/work/transport"
)

// ErrAborted is the terminal error of a load cancelled through Abort. It is
// also used as the context cancellation cause on the in-flight attempt.
var ErrAborted = errors.New("load aborted")

// ErrAlreadyStarted is returned when Load is called twice on one Loader.
var ErrAlreadyStarted = errors.New("load already called on this loader")

// OriginHTTPError reports a non-2xx response from an origin. It participates
// in the normal failover transition like any transport-level failure.
type OriginHTTPError struct {
	Status int
	URL    string
}

func (e *OriginHTTPError) Error() string {
	return fmt.Sprintf("origin returned status %d", e.Status)
}

// ExhaustedError is the terminal error once every candidate origin has
// failed. Last carries the final attempt's failure so its code and message
// survive to the caller; the full attempt history is observable only through
// the failback callbacks and logs.
type ExhaustedError struct {
	OriginalURL string
	Attempts    int
	Last        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all origins failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Request describes one logical segment fetch handed to a Loader.
type Request struct {
	URL     string
	Range   *transport.ByteRange // nil for a whole-resource fetch
	Headers map[string]string
}

// Response is the successful outcome of a load.
type Response struct {
	Status       int
	Body         []byte
	ServedURL    string // post-redirect URL of the origin that actually served
	ViaAlternate bool
	Attempt      int // attempt index that succeeded (0 = primary)
}

// Stats carries progress and accounting data into callbacks.
type Stats struct {
	Attempts      int
	BytesReceived int64
	Duration      time.Duration
}

// Callbacks receives the outcome of one load. Exactly one of OnSuccess,
// OnError, OnTimeout, or OnAbort fires per Load call; OnProgress may fire any
// number of times before the terminal callback. Any callback may be nil.
type Callbacks struct {
	OnSuccess  func(res *Response, stats *Stats, req *Request)
	OnError    func(err error, stats *Stats, req *Request)
	OnTimeout  func(stats *Stats, req *Request)
	OnAbort    func(stats *Stats, req *Request)
	OnProgress func(stats *Stats, req *Request)
}

// failureClass buckets every attempt failure into the uniform transition the
// loader applies, and doubles as the metrics label.
type failureClass string

const (
	classHTTP      failureClass = "http"
	classNetwork   failureClass = "network"
	classTimeout   failureClass = "timeout"
	classStall     failureClass = "stall"
	classIntegrity failureClass = "integrity"
)
