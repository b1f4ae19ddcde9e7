package scan

import "errors"

// AbandonReason is the terminal code carried by a job's "fin" message, or
// logged and counted for background jobs whose client already disconnected.
// Zero means "not abandoned" — counters keep accruing.
type AbandonReason uint32

const (
	ReasonNone AbandonReason = iota
	ReasonOK                 // completed normally
	ReasonUserAbort
	ReasonResponseError
	ReasonResponseTimeout
	ReasonClusterKeyMismatch
	ReasonUDFDisabled
	ReasonUnknown
)

func (r AbandonReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOK:
		return "ok"
	case ReasonUserAbort:
		return "user-abort"
	case ReasonResponseError:
		return "response-error"
	case ReasonResponseTimeout:
		return "response-timeout"
	case ReasonClusterKeyMismatch:
		return "cluster-key-mismatch"
	case ReasonUDFDisabled:
		return "udf-disabled"
	case ReasonUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Synchronous errors returned from start_job / the as_scan entry points.
// These are the only errors a client ever sees directly; everything after
// admission is reported via AbandonReason on the fin message, or not at all.
var (
	ErrParameter           = errors.New("scan: invalid parameter")
	ErrDuplicateTrid       = errors.New("scan: duplicate transaction id")
	ErrAdmissionCapReached = errors.New("scan: per-namespace job cap reached")
	ErrForbidden           = errors.New("scan: udf execution disabled")
	ErrClusterKeyMismatch  = errors.New("scan: cluster key mismatch at start")
	ErrUnsupportedFeature  = errors.New("scan: unsupported feature for this scan type")
	ErrNoSuchJob           = errors.New("scan: no such job")
	ErrSetNotFound         = errors.New("scan: set not found")
)

// StatusCode is the numeric result carried by a synchronous start
// rejection, mirroring the server's wire error namespace.
type StatusCode uint32

const (
	StatusOK                 StatusCode = 0
	StatusUnknown            StatusCode = 1
	StatusNotFound           StatusCode = 2
	StatusParameter          StatusCode = 4
	StatusClusterKeyMismatch StatusCode = 7
	StatusUnavailable        StatusCode = 11
	StatusForbidden          StatusCode = 22
	StatusUnsupportedFeature StatusCode = 26
	StatusJobCapReached      StatusCode = 82
	StatusDuplicateTrid      StatusCode = 83
)

// startErrorCode maps a Start*/StartJob error to the code the client sees
// in its single synchronous error response.
func startErrorCode(err error) StatusCode {
	switch {
	case errors.Is(err, ErrParameter):
		return StatusParameter
	case errors.Is(err, ErrSetNotFound):
		return StatusNotFound
	case errors.Is(err, ErrClusterKeyMismatch):
		return StatusClusterKeyMismatch
	case errors.Is(err, ErrForbidden):
		return StatusForbidden
	case errors.Is(err, ErrUnsupportedFeature):
		return StatusUnsupportedFeature
	case errors.Is(err, ErrAdmissionCapReached):
		return StatusJobCapReached
	case errors.Is(err, ErrDuplicateTrid):
		return StatusDuplicateTrid
	default:
		return StatusUnknown
	}
}

// per-pid chunk status codes, emitted as a per-pid-done marker.
type PidStatus int

const (
	PidOK PidStatus = iota
	PidUnavailable
)
