package pipeline

import (
	"errors"
	"fmt"
)

// MissingInputError reports an external input that does not exist or cannot
// be read.
type MissingInputError struct {
	Stage    string
	Artifact string
	Path     string
	Err      error
}

func (e *MissingInputError) Error() string {
	msg := fmt.Sprintf("%s: input %s missing at %s", e.Stage, e.Artifact, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingInputError) Unwrap() error { return e.Err }

// UnmetDependencyError reports a stage whose produced input is absent,
// invalid, or whose producer failed in the same run.
type UnmetDependencyError struct {
	Stage    string
	Artifact string
	Path     string
	Reason   string
}

func (e *UnmetDependencyError) Error() string {
	return fmt.Sprintf("%s: dependency %s at %s not satisfied: %s", e.Stage, e.Artifact, e.Path, e.Reason)
}

// InputMismatchError reports two inputs that cannot be combined cell by cell.
type InputMismatchError struct {
	Stage  string
	Left   string
	Right  string
	Detail string
}

func (e *InputMismatchError) Error() string {
	return fmt.Sprintf("%s: inputs %s and %s do not align: %s", e.Stage, e.Left, e.Right, e.Detail)
}

// ProcessingError reports a failed engine operation, post-check or write.
type ProcessingError struct {
	Stage     string
	Operation string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Stage, e.Operation, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// LicenseError reports a failed license check-in. It never fails a run.
type LicenseError struct {
	Endpoint string
	Err      error
}

func (e *LicenseError) Error() string {
	return fmt.Sprintf("license check-in to %s failed: %v", e.Endpoint, e.Err)
}

func (e *LicenseError) Unwrap() error { return e.Err }

// isStageError reports whether err already carries a stage label.
func isStageError(err error) bool {
	var (
		missing  *MissingInputError
		unmet    *UnmetDependencyError
		mismatch *InputMismatchError
		proc     *ProcessingError
	)
	return errors.As(err, &missing) || errors.As(err, &unmet) || errors.As(err, &mismatch) || errors.As(err, &proc)
}
