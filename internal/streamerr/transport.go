package streamerr

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain used on gRPC statuses.
const ErrorDomain = "changeflo"

// GRPCCode maps a kind to a status code.
func GRPCCode(k Kind) codes.Code {
	switch k {
	case KindMalformedToken, KindInvalidOptions:
		return codes.InvalidArgument
	case KindFatal:
		return codes.FailedPrecondition
	case KindHistoryLost:
		return codes.OutOfRange
	case KindQueryPlanKilled:
		return codes.Aborted
	case KindNotEnabled:
		return codes.FailedPrecondition
	case KindCursorNotFound:
		return codes.NotFound
	case KindIncarnationMismatch:
		return codes.Internal
	default:
		return codes.Internal
	}
}

// HTTPStatus maps a kind to an HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindMalformedToken, KindInvalidOptions:
		return http.StatusBadRequest
	case KindFatal, KindNotEnabled:
		return http.StatusConflict
	case KindHistoryLost, KindQueryPlanKilled:
		return http.StatusGone
	case KindCursorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ToStatus converts err into a gRPC status carrying its kind as ErrorInfo.
// Errors that already are statuses pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && KindOf(err) == KindUnknown {
		return err
	}
	k := KindOf(err)
	st := status.New(GRPCCode(k), err.Error())
	if k == KindUnknown {
		return st.Err()
	}
	withDetails, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(k),
		Domain: ErrorDomain,
	})
	if derr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// FromStatus restores the kind carried by a gRPC status error.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		if m := sentinel(ParseKind(info.GetReason())); m != nil {
			return errors.Mark(errors.Newf("%s", st.Message()), m)
		}
	}
	return err
}

// HTTPError is the JSON error body written by the HTTP transport.
type HTTPError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ToHTTP converts err into a status code and body.
func ToHTTP(err error) (int, HTTPError) {
	k := KindOf(err)
	return HTTPStatus(k), HTTPError{Error: err.Error(), Code: string(k)}
}

// FromHTTP rebuilds a kinded error from a decoded HTTP error body.
func FromHTTP(body HTTPError) error {
	if m := sentinel(ParseKind(body.Code)); m != nil {
		return errors.Mark(errors.Newf("%s", body.Error), m)
	}
	return errors.Newf("%s", body.Error)
}
