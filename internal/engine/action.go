package engine

import (
	"fmt"
	"log/slog"
)

// Kind names one action variant. Routing compares kinds exactly.
type Kind string

// Action is an immutable value describing something that happened.
//
// ErrorToAction converts a side-effect failure into a corrective action of
// the same family. It must be total: it may not panic and may not return nil.
// The Dispatcher guards the contract and falls back to a Fault when it is
// broken.
type Action interface {
	Kind() Kind
	ErrorToAction(err error) Action
}

// KindFault is the kind of the built-in corrective action.
const KindFault Kind = "engine.fault"

// Fault is the default corrective action. It records which kind of action
// failed and the failure text.
type Fault struct {
	Origin Kind   `json:"origin"`
	Err    string `json:"error"`
}

// Kind implements Action.
func (Fault) Kind() Kind { return KindFault }

// ErrorToAction implements Action. A failing Fault handler produces another
// Fault for the same origin.
func (f Fault) ErrorToAction(err error) Action {
	return Fault{Origin: f.Origin, Err: errText(err)}
}

// NewFault is the default fallback used when an action breaks the
// ErrorToAction contract.
func NewFault(origin Action, err error) Action {
	return Fault{Origin: origin.Kind(), Err: errText(err)}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// convert applies origin.ErrorToAction(err). A panic or a nil result is a
// conversion contract violation: the fallback action is returned together
// with a RuntimeError describing the violation.
func convert(origin Action, err error, fallback func(Action, error) Action) (corrective Action, violation error) {
	defer func() {
		if r := recover(); r != nil {
			corrective = fallback(origin, err)
			violation = NewConversionError(origin.Kind(), fmt.Sprintf("ErrorToAction panicked: %v", r))
		}
	}()

	corrective = origin.ErrorToAction(err)
	if corrective == nil {
		return fallback(origin, err), NewConversionError(origin.Kind(), "ErrorToAction returned nil")
	}
	return corrective, nil
}

// kindAttr is the slog attribute used for action kinds throughout the package.
func kindAttr(a Action) slog.Attr {
	return slog.String("kind", string(a.Kind()))
}
