package overlayfs

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithWritableLayer sets the engine's upper, mutable layer. Required.
func WithWritableLayer(fs afero.Fs) Option {
	return func(eng *Engine) { eng.writable = fs }
}

// WithReadableLayer sets the engine's lower, immutable layer. Required.
func WithReadableLayer(fs afero.Fs) Option {
	return func(eng *Engine) { eng.readable = fs }
}

// WithLogger overrides the *logrus.Logger used for copy-up, whiteout, and
// overlay-file flush diagnostics (including those a rename triggers). Defaults to logrus.StandardLogger(). Passing nil
// disables logging entirely.
func WithLogger(logger *logrus.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithCopyBufferSize sets the buffer size used when streaming a file's
// content from the readable layer to the writable layer during copy-up.
func WithCopyBufferSize(size int) Option {
	return func(eng *Engine) {
		if size > 0 {
			eng.copyBufferSize = size
		}
	}
}

// WithClock overrides the engine's time source. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(eng *Engine) {
		if clock != nil {
			eng.clock = clock
		}
	}
}

// New constructs an Engine from the given options. The writable layer must
// not itself be read-only (rejected with ErrInvalidArgument); both a
// writable and a readable layer are required. The returned Engine is not
// yet usable — call Initialize before any other method.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		copyBufferSize: 32 * 1024,
		logger:         logrus.StandardLogger(),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.writable == nil {
		return nil, ErrNoWritableLayer
	}
	if eng.readable == nil {
		return nil, newError("new", "", KindInvalidArgument, errors.New("no readable layer configured"))
	}

	eng.writableCaps = capabilitiesOf(eng.writable, false)
	if eng.writableCaps.ReadOnly {
		return nil, newError("new", "", KindInvalidArgument, errors.New("writable layer is read-only"))
	}
	eng.readableCaps = capabilitiesOf(eng.readable, true)

	return eng, nil
}
