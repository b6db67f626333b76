package cttso_pieriandx_gateway

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound         = errors.New("no succeeded workflow run matches sample")
	ErrAmbiguousMatch      = errors.New("several succeeded workflow runs share the latest creation time")
	ErrVendorUnauthorized  = errors.New("vendor rejected credentials")
	ErrCaseAlreadyExists   = errors.New("vendor case already exists for accession number")
	ErrMissingRequiredFile = errors.New("required output file not found")
	ErrSampleRetired       = errors.New("sample is retired")
)

// ValidationError names the input field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ResolutionError wraps ErrRunNotFound or ErrAmbiguousMatch for a sample.
type ResolutionError struct {
	Key        SampleKey
	Candidates []string
	Err        error
}

func (e *ResolutionError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("resolve %s: %v (candidates %v)", e.Key, e.Err, e.Candidates)
	}
	return fmt.Sprintf("resolve %s: %v", e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TransferError is fatal for the sample: no case is created after it.
type TransferError struct {
	AccessionNumber string
	Object          string
	Err             error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s (%s): %v", e.AccessionNumber, e.Object, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// VendorClientError is a 4xx answer from the vendor. It is never retried.
type VendorClientError struct {
	StatusCode int
	Endpoint   string
	Payload    string
}

func (e *VendorClientError) Error() string {
	return fmt.Sprintf("vendor rejected %s with %d: %s", e.Endpoint, e.StatusCode, e.Payload)
}

// Unwrap maps a 401 onto ErrVendorUnauthorized.
func (e *VendorClientError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrVendorUnauthorized
	}
	return nil
}

// VendorServerError is a 5xx or network failure left after retries ran out.
type VendorServerError struct {
	StatusCode int
	Endpoint   string
	Attempts   int
	Err        error
}

func (e *VendorServerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("vendor %s failed with %d after %d attempts: %v", e.Endpoint, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("vendor %s unreachable after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *VendorServerError) Unwrap() error { return e.Err }

// ConsistencyViolation halts a pass: a sample was about to be submitted
// while already being processed.
type ConsistencyViolation struct {
	Key    SampleKey
	CaseID string
}

func (e *ConsistencyViolation) Error() string {
	if e.CaseID != "" {
		return fmt.Sprintf("consistency violation: %s selected for submission but already holds case %s", e.Key, e.CaseID)
	}
	return fmt.Sprintf("consistency violation: %s selected for submission while in progress", e.Key)
}

// isBatchFatal reports whether err must stop the whole pass.
func isBatchFatal(err error) bool {
	var cv *ConsistencyViolation
	var vs *VendorServerError
	return errors.As(err, &cv) || errors.As(err, &vs)
}

// isInputFailure reports whether err will recur until the sample's source
// data changes. Such samples are held back from later passes.
func isInputFailure(err error) bool {
	var ve *ValidationError
	var re *ResolutionError
	var vc *VendorClientError
	switch {
	case errors.As(err, &ve), errors.As(err, &re):
		return true
	case errors.Is(err, ErrMissingRequiredFile), errors.Is(err, ErrCaseAlreadyExists):
		return true
	case errors.As(err, &vc):
		return vc.StatusCode != 401
	}
	return false
}
