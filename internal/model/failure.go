package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotLoaded   = errors.New("no model loaded")
	ErrNoOutput    = errors.New("model produced no output")
	ErrNonFinite   = errors.New("model produced a non-finite value")
	ErrEnginePanic = errors.New("inference engine panicked")
)

type Kind int

const (
	ParseError Kind = iota + 1
	ModelLoadError
	NotInitialized
	PredictionError
)

func (k Kind) String() string {
	switch k {
	case ParseError:
		return "ParseError"
	case ModelLoadError:
		return "ModelLoadError"
	case NotInitialized:
		return "NotInitialized"
	case PredictionError:
		return "PredictionError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is what callers are shown for a failure of this kind. The cause
// stays on the Failure for logging.
func (k Kind) Message() string {
	switch k {
	case ParseError:
		return "Failed to parse"
	case ModelLoadError:
		return "Failed to load model/weights"
	case NotInitialized:
		return "Model not initialized"
	case PredictionError:
		return "Failed to predict"
	}
	return "Unknown failure"
}

// Failure is the error returned by Session operations.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string { return f.Kind.Message() }

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the kind of the first Failure in err's chain, or zero.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}
