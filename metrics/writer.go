// Package metrics records the scalar and image log stream produced while
// training.
package metrics

import (
	"errors"
	"image"
	"strings"

	"github.com/cyclopcam/logs"
)

// Writer receives training scalars and images keyed by tag and step
type Writer interface {
	// AddScalar records a value of the tag at the given step
	AddScalar(tag string, value float64, step int) error
	// AddImage records an image of the tag at the given step
	AddImage(tag string, img image.Image, step int) error
	// Close flushes and releases the writer
	Close() error
}

// Discard is a Writer that drops everything
var Discard Writer = discard{}

type discard struct{}

func (discard) AddScalar(string, float64, int) error     { return nil }
func (discard) AddImage(string, image.Image, int) error { return nil }
func (discard) Close() error                             { return nil }

// multi fans out to several writers
type multi struct {
	// writers receiving every call
	writers []Writer
}

// Multi returns a Writer duplicating every call to all writers, errors from
// the writers are joined
func Multi(writers ...Writer) Writer {
	return &multi{writers: writers}
}

func (m *multi) AddScalar(tag string, value float64, step int) error {

	var errs []error

	for _, w := range m.writers {
		errs = append(errs, w.AddScalar(tag, value, step))
	}

	return errors.Join(errs...)
}

func (m *multi) AddImage(tag string, img image.Image, step int) error {

	var errs []error

	for _, w := range m.writers {
		errs = append(errs, w.AddImage(tag, img, step))
	}

	return errors.Join(errs...)
}

func (m *multi) Close() error {

	var errs []error

	for _, w := range m.writers {
		errs = append(errs, w.Close())
	}

	return errors.Join(errs...)
}

// LogWriter writes scalars to a log, images are only noted by size
type LogWriter struct {
	// log receiving the records
	log logs.Log
	// Every only logs scalars whose step is a multiple of it, zero logs all
	Every int
}

// NewLogWriter returns a Writer logging to log
func NewLogWriter(log logs.Log, every int) *LogWriter {
	return &LogWriter{
		log:   log,
		Every: every,
	}
}

// AddScalar logs the value
func (w *LogWriter) AddScalar(tag string, value float64, step int) error {

	// validation tags are always logged
	if w.Every > 1 && step%w.Every != 0 && !strings.HasPrefix(tag, "Test") {
		return nil
	}

	w.log.Infof("step %d %s: %.6f", step, tag, value)
	return nil
}

// AddImage logs the image dimensions
func (w *LogWriter) AddImage(tag string, img image.Image, step int) error {
	w.log.Debugf("step %d %s: image %v", step, tag, img.Bounds().Size())
	return nil
}

// Close is a no-op
func (w *LogWriter) Close() error {
	return nil
}
