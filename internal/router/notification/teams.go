package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TeamsConfig holds Teams webhook configuration
type TeamsConfig struct {
	WebhookURL string
	Enabled    bool
}

// TeamsService sends Adaptive Cards to Teams channels via webhook
type TeamsService struct {
	config     *TeamsConfig
	httpClient *http.Client
}

// NewTeamsService creates a new Teams webhook notification service
func NewTeamsService(config *TeamsConfig) *TeamsService {
	slog.Info("TeamsWebhookNotificationService initialized",
		"enabled", config.Enabled)

	return &TeamsService{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// cardElement is one body element of an Adaptive Card. The zero fields are
// omitted, so a single type covers text blocks, containers and fact sets.
type cardElement struct {
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	Weight    string        `json:"weight,omitempty"`
	Size      string        `json:"size,omitempty"`
	Color     string        `json:"color,omitempty"`
	Style     string        `json:"style,omitempty"`
	Spacing   string        `json:"spacing,omitempty"`
	Separator bool          `json:"separator,omitempty"`
	Wrap      bool          `json:"wrap,omitempty"`
	Items     []cardElement `json:"items,omitempty"`
	Facts     []cardFact    `json:"facts,omitempty"`
}

type cardFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type adaptiveCard struct {
	Type    string        `json:"type"`
	Version string        `json:"version"`
	Body    []cardElement `json:"body"`
}

type cardAttachment struct {
	ContentType string       `json:"contentType"`
	Content     adaptiveCard `json:"content"`
}

type cardEnvelope struct {
	Attachments []cardAttachment `json:"attachments"`
}

// NotifyWarning sends a Teams notification for a warning
func (s *TeamsService) NotifyWarning(warning *Warning) {
	if !s.config.Enabled {
		return
	}

	body := []cardElement{
		{
			Type:  "Container",
			Style: "emphasis",
			Items: []cardElement{
				{Type: "TextBlock", Text: "FlowCatalyst Alert", Weight: "Bolder", Size: "Large"},
				{
					Type:    "TextBlock",
					Text:    fmt.Sprintf("%s - %s", warning.Severity, warning.Category),
					Color:   teamsSeverityColor(warning.Severity),
					Weight:  "Bolder",
					Size:    "Medium",
					Spacing: "None",
				},
			},
		},
		{
			Type: "FactSet",
			Facts: []cardFact{
				{Title: "Category:", Value: warning.Category},
				{Title: "Source:", Value: warning.Source},
				{Title: "Time:", Value: warning.Timestamp.Format(time.RFC3339)},
			},
		},
		{Type: "TextBlock", Text: "Message", Weight: "Bolder", Separator: true},
		{Type: "TextBlock", Text: warning.Message, Wrap: true, Spacing: "Small"},
	}

	if err := s.sendCard(body); err != nil {
		slog.Error("Failed to send Teams notification for warning",
			"error", err,
			"category", warning.Category)
		return
	}

	slog.Info("Teams notification sent",
		"severity", warning.Severity,
		"category", warning.Category)
}

// NotifyCriticalError sends a Teams notification for a critical error
func (s *TeamsService) NotifyCriticalError(message, source string) {
	if !s.config.Enabled {
		return
	}

	body := []cardElement{
		{
			Type:  "Container",
			Style: "attention",
			Items: []cardElement{
				{Type: "TextBlock", Text: "CRITICAL ERROR", Weight: "Bolder", Size: "ExtraLarge", Color: "Attention"},
			},
		},
		{
			Type:  "FactSet",
			Facts: []cardFact{{Title: "Source:", Value: source}},
		},
		{Type: "TextBlock", Text: message, Wrap: true, Spacing: "Medium"},
		{Type: "TextBlock", Text: "Immediate action required", Weight: "Bolder", Color: "Attention", Separator: true},
	}

	if err := s.sendCard(body); err != nil {
		slog.Error("Failed to send Teams critical error notification", "error", err)
		return
	}

	slog.Info("Teams critical error notification sent")
}

// NotifySystemEvent sends a Teams notification for a system event
func (s *TeamsService) NotifySystemEvent(eventType, message string) {
	if !s.config.Enabled {
		return
	}

	body := []cardElement{
		{
			Type:  "Container",
			Style: "accent",
			Items: []cardElement{
				{Type: "TextBlock", Text: fmt.Sprintf("System Event: %s", eventType), Weight: "Bolder", Size: "Large"},
			},
		},
		{Type: "TextBlock", Text: message, Wrap: true, Spacing: "Medium"},
	}

	if err := s.sendCard(body); err != nil {
		slog.Error("Failed to send Teams system event notification", "error", err)
		return
	}

	slog.Debug("Teams system event notification sent", "eventType", eventType)
}

// IsEnabled returns whether Teams notifications are enabled
func (s *TeamsService) IsEnabled() bool {
	return s.config.Enabled
}

// sendCard posts an Adaptive Card envelope to the Teams webhook.
func (s *TeamsService) sendCard(body []cardElement) error {
	envelope := cardEnvelope{
		Attachments: []cardAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: adaptiveCard{
				Type:    "AdaptiveCard",
				Version: "1.4",
				Body:    body,
			},
		}},
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding adaptive card: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("teams webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// teamsSeverityColor returns the Adaptive Card color for a severity level
func teamsSeverityColor(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL", "ERROR":
		return "Attention"
	case "WARN":
		return "Warning"
	case "INFO":
		return "Accent"
	default:
		return "Default"
	}
}
