package extractor

import (
	"errors"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
)

var grpcStatus = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.OutOfRange:         http.StatusBadRequest,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.NotFound:           http.StatusNotFound,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Canceled:           extraction.StatusClientClosedRequest,
	codes.Aborted:            http.StatusConflict,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DataLoss:           http.StatusInternalServerError,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
}

var awsThrottling = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"LimitExceededException":                 true,
	"TooManyRequestsException":               true,
}

// serviceError converts an SDK error into *extraction.ServiceError so the
// client can classify it. Context and network errors pass through unchanged.
func serviceError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *extraction.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code != 0 {
		return &extraction.ServiceError{StatusCode: gerr.Code, Message: gerr.Message, Err: err}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		if code, known := grpcStatus[st.Code()]; known {
			return &extraction.ServiceError{
				StatusCode: code,
				Code:       st.Code().String(),
				Message:    st.Message(),
				Err:        err,
			}
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &extraction.ServiceError{
			StatusCode: awsStatus(err, apiErr),
			Code:       apiErr.ErrorCode(),
			Message:    apiErr.ErrorMessage(),
			Err:        err,
		}
	}
	return err
}

func awsStatus(err error, apiErr smithy.APIError) int {
	if awsThrottling[apiErr.ErrorCode()] {
		return http.StatusTooManyRequests
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() != 0 {
		return respErr.HTTPStatusCode()
	}
	switch {
	case strings.HasSuffix(apiErr.ErrorCode(), "AccessDeniedException"):
		return http.StatusForbidden
	case apiErr.ErrorFault() == smithy.FaultServer:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
