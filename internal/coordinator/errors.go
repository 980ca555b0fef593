package coordinator

import (
	"errors"
	"fmt"

	"github.com/trunov/webpconv/internal/inflight"
)

// Failure kinds. Match them with errors.Is.
var (
	ErrNotConvertibleSource = errors.New("not a webp source")
	ErrFetchFailure         = errors.New("fetch failed")
	ErrDecodeFailure        = errors.New("decode failed")
	ErrEncodeFailure        = errors.New("encode failed")
	ErrDeliveryFailure      = errors.New("delivery failed")
	ErrDuplicateInProgress  = errors.New("conversion already in progress")
)

var reasons = map[error]string{
	ErrNotConvertibleSource: "not_convertible_source",
	ErrFetchFailure:         "fetch_failure",
	ErrDecodeFailure:        "decode_failure",
	ErrEncodeFailure:        "encode_failure",
	ErrDeliveryFailure:      "delivery_failure",
	ErrDuplicateInProgress:  "duplicate_in_progress",
}

// ConversionError ties a failure kind to the source it happened for.
type ConversionError struct {
	Kind      error
	SourceURL string
	Err       error
}

func (e *ConversionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.SourceURL, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.SourceURL, e.Kind, e.Err)
}

func (e *ConversionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns the short code for err's kind, or "internal".
func Reason(err error) string {
	for kind, code := range reasons {
		if errors.Is(err, kind) {
			return code
		}
	}
	return "internal"
}

// kindForStage maps the stage a pipeline stopped in to its failure kind.
func kindForStage(st inflight.State) error {
	switch st {
	case inflight.StateFetching:
		return ErrFetchFailure
	case inflight.StateDecoding:
		return ErrDecodeFailure
	case inflight.StateEncoding:
		return ErrEncodeFailure
	default:
		return ErrDeliveryFailure
	}
}
