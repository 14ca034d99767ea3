// Package telemetry provides a minimal event sink abstraction.
// Callers record named events with loosely typed properties; the
// default sink forwards them to the structured logger, and tests
// plug in capturing fakes.
package telemetry

import (
	"github.com/lk2023060901/llm-bridge/internal/pkg/logger"
	"go.uber.org/zap"
)

// Sink receives telemetry events.
type Sink interface {
	Capture(event string, properties map[string]interface{})
}

// Nop discards all events.
type Nop struct{}

// Capture implements Sink.
func (Nop) Capture(string, map[string]interface{}) {}

// Logging forwards events to a zap-backed logger at debug level.
type Logging struct {
	logger *logger.Logger
}

// NewLogging creates a logging sink. A nil logger falls back to the
// process-wide instance.
func NewLogging(lgr *logger.Logger) *Logging {
	if lgr == nil {
		lgr = logger.L()
	}
	return &Logging{logger: lgr}
}

// Capture implements Sink.
func (s *Logging) Capture(event string, properties map[string]interface{}) {
	fields := make([]zap.Field, 0, len(properties)+1)
	fields = append(fields, zap.String("event", event))
	for key, value := range properties {
		fields = append(fields, zap.Any(key, value))
	}
	s.logger.Debug("telemetry event", fields...)
}
