package loadgen

import "time"

// Outcome classifies how a single request ended.
type Outcome uint8

const (
	// OutcomeSuccess means an HTTP response was received (any status code).
	OutcomeSuccess Outcome = iota
	// OutcomeNetworkError means the request failed below HTTP.
	OutcomeNetworkError
	// OutcomeTimeout means the per-request timeout expired.
	OutcomeTimeout
	// OutcomeCancelled means the request was abandoned during drain.
	OutcomeCancelled
	// OutcomePoolExhausted means no connection slot became free in time.
	OutcomePoolExhausted

	// NumOutcomes is the number of Outcome values.
	NumOutcomes
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomePoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// ErrorKind narrows an OutcomeNetworkError.
type ErrorKind uint8

const (
	ErrorNone ErrorKind = iota
	ErrorDNS
	ErrorConnect
	ErrorTLS
	ErrorReset
	ErrorEOF
	ErrorProtocol
	ErrorOther

	// NumErrorKinds is the number of ErrorKind values.
	NumErrorKinds
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorDNS:
		return "dns"
	case ErrorConnect:
		return "connect"
	case ErrorTLS:
		return "tls"
	case ErrorReset:
		return "reset"
	case ErrorEOF:
		return "eof"
	case ErrorProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// Result is what the connection manager reports for one send.
type Result struct {
	Outcome    Outcome
	StatusCode int
	ErrorKind  ErrorKind
	Err        error
	Bytes      int64
	Reused     bool
}

// RequestRecord is the immutable account of one permitted request.
//
// Exactly one record is produced per permit granted by the rate controller.
type RequestRecord struct {
	WorkerID    int
	IssuedAt    time.Time
	CompletedAt time.Time
	Result
}

// NewRecord builds a record for a completed (or failed) request.
func NewRecord(workerID int, issuedAt, completedAt time.Time, res Result) RequestRecord {
	return RequestRecord{
		WorkerID:    workerID,
		IssuedAt:    issuedAt,
		CompletedAt: completedAt,
		Result:      res,
	}
}

// Latency is CompletedAt minus IssuedAt, never negative.
func (r RequestRecord) Latency() time.Duration {
	d := r.CompletedAt.Sub(r.IssuedAt)
	if d < 0 {
		return 0
	}
	return d
}

// StatusClass returns 1..5 for a successful record's status code, or 0.
func (r RequestRecord) StatusClass() int {
	if r.Outcome != OutcomeSuccess || r.StatusCode < 100 || r.StatusCode > 599 {
		return 0
	}
	return r.StatusCode / 100
}
