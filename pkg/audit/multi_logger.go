package audit

import (
	"context"
	"errors"
	"fmt"
)

// MultiLogger fans each event out to several sinks. A failing sink does not
// stop the others; their errors are joined.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger skips nil sinks.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	return m.each(func(s Logger) error { return s.Log(ctx, event) })
}

func (m *MultiLogger) Close() error {
	return m.each(Logger.Close)
}

func (m *MultiLogger) each(fn func(Logger) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
