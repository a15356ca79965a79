package overlayfs

import (
	"errors"
	"os"
)

// Kind enumerates the error taxonomy exchanged at the Engine boundary.
type Kind int

const (
	// KindOther is used for errors that don't fit the taxonomy below;
	// such errors are still surfaced verbatim from the backing layer.
	KindOther Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNotADirectory
	KindIsADirectory
	KindNotEmpty
	KindPermission
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindAlreadyExists:
		return "already-exists"
	case KindNotADirectory:
		return "not-a-directory"
	case KindIsADirectory:
		return "is-a-directory"
	case KindNotEmpty:
		return "not-empty"
	case KindPermission:
		return "permission"
	case KindInvalidArgument:
		return "invalid-argument"
	default:
		return "other"
	}
}

// Error is the error type returned at the Engine boundary. It carries enough
// context (operation, path, kind) to match against with errors.Is while
// still exposing the underlying cause via Unwrap.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) etc. work against a sentinel of the
// matching Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	if sentinel.Kind == KindOther {
		return false
	}
	return e.Kind == sentinel.Kind
}

// Sentinel errors for errors.Is comparisons. Only Kind is significant on
// these values; Op/Path/Err are left empty.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrNotADirectory   = &Error{Kind: KindNotADirectory}
	ErrIsADirectory    = &Error{Kind: KindIsADirectory}
	ErrNotEmpty        = &Error{Kind: KindNotEmpty}
	ErrPermission      = &Error{Kind: KindPermission}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}

	// ErrInvalidSyncCall is returned by a synchronous Engine method
	// invoked while the SerializingWrapper's Mutex is held by an
	// in-flight asynchronous operation.
	ErrInvalidSyncCall = &Error{Kind: KindInvalidArgument, Err: errors.New("synchronous call attempted while async mutex held")}

	// ErrNotInitialized is returned by every public Engine operation
	// except Initialize when called before Initialize has completed.
	ErrNotInitialized = &Error{Kind: KindPermission, Err: errors.New("engine not initialized")}

	// ErrNoWritableLayer is returned by New for an Engine constructed
	// without a writable layer configured.
	ErrNoWritableLayer = &Error{Kind: KindInvalidArgument, Err: errors.New("no writable layer configured")}
)

func newError(op, path string, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// kindFromOSErr classifies the plain *os.PathError / sentinel errors that
// afero.Fs implementations return into the Kind taxonomy.
func kindFromOSErr(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case os.IsNotExist(err):
		return KindNotFound
	case os.IsExist(err):
		return KindAlreadyExists
	case os.IsPermission(err):
		return KindPermission
	default:
		return KindOther
	}
}

// wrapLayerErr converts an error returned by a backing afero.Fs call into a
// classified *Error, unless it is already one.
func wrapLayerErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(op, path, kindFromOSErr(err), err)
}
