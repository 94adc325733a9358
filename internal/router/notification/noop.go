package notification

import "log/slog"

// NoOpService logs notifications instead of sending them. It is the default
// when no email or Teams delegate is configured.
type NoOpService struct{}

// NewNoOpService creates a new no-op notification service
func NewNoOpService() *NoOpService {
	return &NoOpService{}
}

// NotifyWarning logs the warning
func (s *NoOpService) NotifyWarning(warning *Warning) {
	slog.Info("Notification (log only)",
		"severity", warning.Severity,
		"category", warning.Category,
		"message", warning.Message,
		"source", warning.Source)
}

// NotifyCriticalError logs the critical error
func (s *NoOpService) NotifyCriticalError(message, source string) {
	slog.Error("Critical notification (log only)",
		"message", message,
		"source", source)
}

// NotifySystemEvent logs the system event
func (s *NoOpService) NotifySystemEvent(eventType, message string) {
	slog.Info("System event notification (log only)",
		"eventType", eventType,
		"message", message)
}

// IsEnabled returns false so batching summaries are not built for the log sink
func (s *NoOpService) IsEnabled() bool {
	return false
}
