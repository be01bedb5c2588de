package loggerx

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is a thin wrapper around a logrus entry carrying the audience
// (library consumer) facing name/version fields.
type Logger struct {
	*logrus.Entry
	name    string
	version string
}

type options struct {
	level logrus.Level
	out   io.Writer
}

type Option func(*options)

func WithLevel(level logrus.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

func WithOutput(out io.Writer) Option {
	return func(o *options) {
		o.out = out
	}
}

func New(name string, version string, opts ...Option) *Logger {
	o := &options{
		level: logrus.InfoLevel,
	}
	for _, opt := range opts {
		opt(o)
	}

	l := logrus.New()
	l.SetLevel(o.level)
	if o.out != nil {
		l.SetOutput(o.out)
	}

	entry := l.WithFields(logrus.Fields{
		"audience":        "application",
		"service_name":    name,
		"service_version": version,
	})

	return &Logger{Entry: entry, name: name, version: version}
}

// NewNull returns a logger that discards everything. Useful in tests that
// do not assert on log output.
func NewNull() *Logger {
	return New("null", "", WithOutput(io.Discard), WithLevel(logrus.PanicLevel))
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	ll := *l
	ll.Entry = l.Entry.WithContext(ctx)
	return &ll
}

func (l *Logger) WithError(err error) *Logger {
	ll := *l
	ll.Entry = l.Entry.WithError(err)
	return &ll
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	ll := *l
	ll.Entry = l.Entry.WithField(key, value)
	return &ll
}

func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	ll := *l
	ll.Entry = l.Entry.WithFields(fields)
	return &ll
}
