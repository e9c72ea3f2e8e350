package notifiers

import (
	"reflect"

	rotation "credential-rotator/db-rotation"
)

// broadcasts notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []rotation.Notifier
}

// creates a new MultiNotifier. Nil notifiers, including typed nil pointers from
// unconfigured constructors, are skipped.
func NewMultiNotifier(notifiers ...rotation.Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if isNil(n) {
			continue
		}
		m.notifiers = append(m.notifiers, n)
	}
	return m
}

// Len returns the number of configured notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// sends a rotation notification to all configured notifiers.
func (m *MultiNotifier) NotifyRotation(event rotation.Event) {
	for _, n := range m.notifiers {
		n.NotifyRotation(event)
	}
}

// sends an error notification to all configured notifiers.
func (m *MultiNotifier) NotifyError(event rotation.Event) {
	for _, n := range m.notifiers {
		n.NotifyError(event)
	}
}

func isNil(n rotation.Notifier) bool {
	if n == nil {
		return true
	}
	v := reflect.ValueOf(n)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
