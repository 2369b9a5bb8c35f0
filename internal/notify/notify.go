// Package notify delivers operator alerts. Every Notifier is non-blocking and
// never reports failure to its caller.
package notify

import (
	"log"
	"strings"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notifier sends an alert.
type Notifier interface {
	Alert(subject, message string, level Level)
}

// Log writes alerts to the standard logger.
type Log struct{}

// Alert implements Notifier.
func (Log) Alert(subject, message string, level Level) {
	log.Printf("notify: [%s] %s: %s", strings.ToUpper(string(level)), subject, message)
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

// Alert implements Notifier.
func (m Multi) Alert(subject, message string, level Level) {
	for _, n := range m {
		if n != nil {
			n.Alert(subject, message, level)
		}
	}
}

// Nop discards alerts.
type Nop struct{}

// Alert implements Notifier.
func (Nop) Alert(string, string, Level) {}
