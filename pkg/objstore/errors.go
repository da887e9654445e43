package objstore

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"

	"github.com/platinummonkey/pannier/pkg/errs"
)

// Store codes that indicate a failed write precondition.
const (
	codePreconditionFailed = "PreconditionFailed"
	codeConditionConflict  = "ConditionalRequestConflict"
)

// classify maps a raw backend error onto the engine taxonomy. Cancellation
// wins over everything; service errors are split into logical rejections
// (client fault) and retryable unavailability (server fault); anything
// unrecognized is treated as a transport failure.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &errs.CancelledError{Op: op, Cause: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return &errs.NotFoundError{Key: key, Cause: err}
		case codePreconditionFailed, codeConditionConflict,
			"NoSuchBucket", "AccessDenied", "InvalidRequest",
			"InvalidArgument", "EntityTooLarge", "MetadataTooLarge",
			"KeyTooLongError":
			return &errs.StoreRejectedError{Op: op, Key: key, StoreCode: apiErr.ErrorCode(), Cause: err}
		}
		switch apiErr.ErrorFault() {
		case smithy.FaultClient:
			return &errs.StoreRejectedError{Op: op, Key: key, StoreCode: apiErr.ErrorCode(), Cause: err}
		default:
			// Server faults and unknown faults: 5xx, SlowDown, InternalError.
			return &errs.StoreUnavailableError{Op: op, Key: key, Cause: err}
		}
	}

	// No service response at all: dial failures, resets, timeouts.
	return &errs.StoreUnavailableError{Op: op, Key: key, Cause: err}
}

// IsPreconditionFailure reports whether err is a rejected write
// precondition: the object existed on an if-none-match put, or its ETag
// moved under an if-match put.
func IsPreconditionFailure(err error) bool {
	var rejected *errs.StoreRejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	return rejected.StoreCode == codePreconditionFailed || rejected.StoreCode == codeConditionConflict
}

// preconditionError builds the rejection the fake backend returns for failed
// preconditions, matching what classify produces for the real backend.
func preconditionError(op, key string) error {
	return &errs.StoreRejectedError{Op: op, Key: key, StoreCode: codePreconditionFailed}
}
