package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-vae/vision/dataset"
)

// Error kinds. Configuration and data errors abort a run before or while it
// trains; visualization errors are logged and training continues.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrData          = dataset.ErrData
	ErrVisualization = errors.New("visualization error")
)

// kindError attaches an error kind to a cause while keeping the cause's
// message and stack.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.cause.Error() }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

// Cause lets github.com/pkg/errors.Cause stop at the kind.
func (e *kindError) Cause() error { return e.kind }

// withKind marks err as kind. Errors already of that kind are returned as is.
func withKind(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, cause: err}
}

func configErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// dataError classifies checkpoint and dataset failures as data errors.
func dataError(err error, context string) error {
	if err == nil {
		return nil
	}
	return withKind(ErrData, errors.Wrap(err, context))
}
