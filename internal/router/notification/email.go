package notification

import (
	"fmt"
	"html"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds email notification configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	ToAddress   string
	Enabled     bool
}

// EmailService sends formatted HTML emails for warnings and critical errors
type EmailService struct {
	config *EmailConfig
	auth   smtp.Auth
}

// NewEmailService creates a new email notification service
func NewEmailService(config *EmailConfig) *EmailService {
	svc := &EmailService{
		config: config,
	}

	if config.Username != "" && config.Password != "" {
		svc.auth = smtp.PlainAuth("", config.Username, config.Password, config.SMTPHost)
	}

	slog.Info("EmailNotificationService initialized",
		"enabled", config.Enabled,
		"from", config.FromAddress,
		"to", config.ToAddress)

	return svc
}

// NotifyWarning sends an email notification for a warning
func (s *EmailService) NotifyWarning(warning *Warning) {
	if !s.config.Enabled {
		return
	}

	subject := fmt.Sprintf("[FlowCatalyst] %s - %s", warning.Severity, warning.Category)
	body := renderEmailBody(
		fmt.Sprintf("%s - %s", warning.Severity, html.EscapeString(warning.Category)),
		severityColor(warning.Severity),
		[]emailField{
			{"Category", warning.Category},
			{"Source", warning.Source},
			{"Timestamp", warning.Timestamp.Format(time.RFC3339)},
		},
		warning.Message,
		"")

	if err := s.sendMail(subject, body); err != nil {
		slog.Error("Failed to send email notification for warning",
			"error", err,
			"category", warning.Category)
		return
	}

	slog.Info("Email notification sent",
		"severity", warning.Severity,
		"category", warning.Category)
}

// NotifyCriticalError sends an email for a critical error
func (s *EmailService) NotifyCriticalError(message, source string) {
	if !s.config.Enabled {
		return
	}

	body := renderEmailBody(
		"CRITICAL ERROR",
		severityColor("CRITICAL"),
		[]emailField{{"Source", source}},
		message,
		"Action Required: Immediate investigation needed")

	if err := s.sendMail("[FlowCatalyst] CRITICAL ERROR", body); err != nil {
		slog.Error("Failed to send critical error email", "error", err)
		return
	}

	slog.Info("Critical error email sent", "to", s.config.ToAddress)
}

// NotifySystemEvent sends an email for a system event
func (s *EmailService) NotifySystemEvent(eventType, message string) {
	if !s.config.Enabled {
		return
	}

	subject := fmt.Sprintf("[FlowCatalyst] System Event - %s", eventType)
	body := renderEmailBody(
		fmt.Sprintf("System Event: %s", html.EscapeString(eventType)),
		severityColor("INFO"),
		nil,
		message,
		"")

	if err := s.sendMail(subject, body); err != nil {
		slog.Error("Failed to send system event email", "error", err)
		return
	}

	slog.Debug("System event email sent", "eventType", eventType)
}

// IsEnabled returns whether email notifications are enabled
func (s *EmailService) IsEnabled() bool {
	return s.config.Enabled
}

// sendMail sends an HTML email. Headers are written in a fixed order and the
// subject is stripped of CR/LF so callers cannot inject headers.
func (s *EmailService) sendMail(subject, htmlBody string) error {
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", s.config.ToAddress)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	return smtp.SendMail(addr, s.auth, s.config.FromAddress, []string{s.config.ToAddress}, []byte(msg.String()))
}

// emailField is one label/value row in the metadata block.
type emailField struct {
	label string
	value string
}

// renderEmailBody lays out the shared notification email: colored header,
// metadata rows, preformatted message, optional action callout.
func renderEmailBody(title, color string, fields []emailField, message, callout string) string {
	var b strings.Builder

	b.WriteString(`<html><body style="font-family: Arial, sans-serif; margin: 0; padding: 0;">`)
	fmt.Fprintf(&b,
		`<div style="background-color: %s; color: white; padding: 20px; border-radius: 5px;"><h2 style="margin: 0;">%s</h2></div>`,
		color, title)

	b.WriteString(`<div style="padding: 20px; background-color: #f8f9fa; margin-top: 10px; border-radius: 5px;">`)
	for _, f := range fields {
		fmt.Fprintf(&b,
			`<p><strong>%s:</strong> %s</p>`,
			html.EscapeString(f.label), html.EscapeString(f.value))
	}
	fmt.Fprintf(&b,
		`<pre style="background-color: white; padding: 15px; border-left: 4px solid %s; white-space: pre-wrap;">%s</pre></div>`,
		color, html.EscapeString(message))

	if callout != "" {
		fmt.Fprintf(&b,
			`<div style="margin-top: 20px; padding: 10px; background-color: #fff3cd; border-left: 4px solid #ffc107;"><p style="margin: 0;"><strong>%s</strong></p></div>`,
			html.EscapeString(callout))
	}

	b.WriteString(`<div style="margin-top: 20px; padding: 10px; font-size: 12px; color: #6c757d;">FlowCatalyst Message Router - Automated Notification</div>`)
	b.WriteString(`</body></html>`)

	return b.String()
}

// severityColor returns the accent color for a severity level
func severityColor(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return "#dc3545" // Red
	case "ERROR":
		return "#fd7e14" // Orange
	case "WARN":
		return "#ffc107" // Yellow
	case "INFO":
		return "#17a2b8" // Cyan
	default:
		return "#6c757d" // Gray
	}
}
