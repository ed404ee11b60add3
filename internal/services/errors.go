package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for the failure kinds the pipeline distinguishes. Every
// error that crosses a component boundary is wrapped with exactly one of
// these so callers can classify without knowing the failing component.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrPaymentRequired   = errors.New("payment required")
	ErrProviderTransient = errors.New("provider transient failure")
	ErrProviderPermanent = errors.New("provider permanent failure")
	ErrStageTimeout      = errors.New("stage timeout")
	ErrPlanUnrealizable  = errors.New("plan unrealizable")
	ErrStitcherFailed    = errors.New("stitcher failed")
	ErrCancelled         = errors.New("cancelled")
	ErrNotFound          = errors.New("not found")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrInternal          = errors.New("internal error")
)

// Kind is the wire tag attached to user-visible failures.
type Kind string

const (
	KindInvalidInput      Kind = "InvalidInput"
	KindQuotaExceeded     Kind = "QuotaExceeded"
	KindPaymentRequired   Kind = "PaymentRequired"
	KindProviderTransient Kind = "ProviderTransient"
	KindProviderPermanent Kind = "ProviderPermanent"
	KindStageTimeout      Kind = "StageTimeout"
	KindPlanUnrealizable  Kind = "PlanUnrealizable"
	KindStitcherFailed    Kind = "StitcherFailed"
	KindCancelled         Kind = "Cancelled"
	KindNotFound          Kind = "NotFound"
	KindUnauthenticated   Kind = "Unauthenticated"
	KindForbidden         Kind = "Forbidden"
	KindInternal          Kind = "Internal"
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrInternal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf maps an error to its wire tag. Context cancellation classifies as
// Cancelled so callers never surface a raw context error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrPaymentRequired):
		return KindPaymentRequired
	case errors.Is(err, ErrProviderTransient):
		return KindProviderTransient
	case errors.Is(err, ErrProviderPermanent):
		return KindProviderPermanent
	case errors.Is(err, ErrStageTimeout):
		return KindStageTimeout
	case errors.Is(err, ErrPlanUnrealizable):
		return KindPlanUnrealizable
	case errors.Is(err, ErrStitcherFailed):
		return KindStitcherFailed
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindStageTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}

// Retriable reports whether resubmitting identical input could succeed.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindProviderTransient, KindStageTimeout, KindStitcherFailed, KindInternal:
		return true
	default:
		return false
	}
}

// IsCancellation reports whether err represents cooperative cancellation
// rather than a genuine failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Details carries the user-visible portion of a failure.
type Details struct {
	Kind      Kind
	Message   string
	Retriable bool
}

// DetailsOf extracts the user-visible failure record from an error chain.
func DetailsOf(err error) Details {
	if err == nil {
		return Details{}
	}
	return Details{
		Kind:      KindOf(err),
		Message:   humanMessage(err),
		Retriable: Retriable(err),
	}
}

// humanMessage strips the sentinel prefix so users see the detail portion.
func humanMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	for _, marker := range []error{
		ErrInvalidInput, ErrQuotaExceeded, ErrPaymentRequired,
		ErrProviderTransient, ErrProviderPermanent, ErrStageTimeout,
		ErrPlanUnrealizable, ErrStitcherFailed, ErrCancelled,
		ErrNotFound, ErrUnauthenticated, ErrForbidden, ErrInternal,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
