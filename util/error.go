package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextualError pairs an error with the message and structured fields
// it should be reported with once it crosses the daemon boundary. The
// library packages return plain errors; the assembly layer wraps them so
// a bring-up failure logs with the same shape as any other line.
type ContextualError struct {
	Context   string
	Fields    logrus.Fields
	RealError error
}

func NewContextualError(msg string, fields logrus.Fields, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err with the given message unless context
// is already carried somewhere in its chain.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err through the context it carries, or as
// a plain error line under the fallback message when it carries none.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	var sb strings.Builder
	sb.WriteString(ce.Context)
	for _, k := range sortedFieldKeys(ce.Fields) {
		fmt.Fprintf(&sb, " %s=%v", k, ce.Fields[k])
	}
	if ce.RealError != nil {
		sb.WriteString(": ")
		sb.WriteString(ce.RealError.Error())
	}
	return sb.String()
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(l *logrus.Logger) {
	entry := l.WithFields(ce.Fields)
	if ce.RealError != nil {
		entry = entry.WithError(ce.RealError)
	}
	entry.Error(ce.Context)
}

// sortedFieldKeys keeps the rendering of Error deterministic.
func sortedFieldKeys(fields logrus.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
