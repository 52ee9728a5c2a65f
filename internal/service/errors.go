package service

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError means the deployment is invalid and will stay invalid:
// it is reported to the submitter and never retried.
type ValidationError struct {
	Errors []string
}

func newValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Errors, "\n")
}

// FetchError means something the deployment needs could not be obtained
// from a peer, a registry or the storage.
type FetchError struct {
	What string
	Err  error
}

// NewFetchError wraps err as a failure to obtain what.
func NewFetchError(what string, err error) *FetchError {
	return &FetchError{What: what, Err: err}
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.What, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DeploymentError is any other failure while applying a deployment.
type DeploymentError struct {
	Stage string
	Err   error
}

func newDeploymentError(stage string, err error) *DeploymentError {
	return &DeploymentError{Stage: stage, Err: err}
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment failed while %s: %v", e.Stage, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsFetchError reports whether err is, or wraps, a FetchError.
func IsFetchError(err error) bool {
	var f *FetchError
	return errors.As(err, &f)
}

func errorKind(err error) string {
	switch {
	case IsValidationError(err):
		return "validation"
	case IsFetchError(err):
		return "fetch"
	default:
		return "deployment"
	}
}
