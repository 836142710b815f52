package stepstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Validator is implemented, with a value receiver, by step payloads that
// check their own shape.
type Validator interface {
	Validate() error
}

// Port is a typed accessor for one step's payload. It ties the step name to
// the Go type later steps decode, so schema drift fails at the boundary
// instead of at a map lookup.
type Port[T any] struct {
	Step string
}

// Read decodes and validates the payload of port's step.
func Read[T any](ctx context.Context, s Store, operationID string, port Port[T]) (T, error) {
	var zero T
	rec, err := s.ReadStep(ctx, operationID, port.Step)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, port.Step, err)
	}
	if err := validate(v); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, port.Step, err)
	}
	return v, nil
}

// Lookup is Read for callers asking whether a step already finished. A
// missing record reports ok=false with a nil error; so does a record whose
// status is not DONE.
func Lookup[T any](ctx context.Context, s Store, operationID string, port Port[T]) (v T, ok bool, err error) {
	rec, err := s.ReadStep(ctx, operationID, port.Step)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if rec.Status != StatusDone {
		return v, false, nil
	}
	v, err = Read(ctx, s, operationID, port)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

// Encode validates v and marshals it for WriteStep.
func Encode[T any](port Port[T], v T) (json.RawMessage, error) {
	if err := validate(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, port.Step, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", port.Step, err)
	}
	return data, nil
}

// Write validates and stores v as port's payload with the given status.
func Write[T any](ctx context.Context, s Store, operationID string, port Port[T], v T, status Status) error {
	data, err := Encode(port, v)
	if err != nil {
		return err
	}
	return s.WriteStep(ctx, operationID, port.Step, data, status)
}

func validate(v any) error {
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}
