package attendance

import "errors"

// Kind classifies a failure so callers can react without parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

var (
	ErrValidation = errors.New("invalid input")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("temporarily unavailable")
	ErrPermission = errors.New("permission denied")
)

// KindOf reports the kind of err by unwrapping to one of the sentinel errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPermission):
		return KindPermission
	default:
		return KindUnknown
	}
}

// Sentinel returns the sentinel error for k, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindTransient:
		return ErrTransient
	case KindPermission:
		return ErrPermission
	default:
		return nil
	}
}
