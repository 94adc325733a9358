package dispatchjob

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
)

var (
	// ErrAppKeyNotConfigured indicates the app key is not set
	ErrAppKeyNotConfigured = errors.New("app key is not configured")

	// ErrInvalidToken indicates the token validation failed
	ErrInvalidToken = errors.New("invalid auth token")
)

// AuthService generates and validates HMAC-SHA256 auth tokens for dispatch
// job processing.
//
// The scheduler stamps a token on every message pointer it publishes, and the
// completion service re-computes the HMAC before recording an attempt, so a
// forged or replayed pointer cannot mutate someone else's job.
//
// The token is computed as: HMAC-SHA256(dispatchJobId, appKey)
type AuthService struct {
	appKey string
	logger *slog.Logger
}

// NewAuthService creates a new dispatch auth service
func NewAuthService(appKey string, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		appKey: appKey,
		logger: logger,
	}
}

// GenerateAuthToken generates an HMAC-SHA256 auth token for a dispatch job ID.
// Returns the hex-encoded HMAC-SHA256 token.
func (s *AuthService) GenerateAuthToken(dispatchJobID string) (string, error) {
	if s.appKey == "" {
		return "", ErrAppKeyNotConfigured
	}

	return hmacSHA256Hex(dispatchJobID, s.appKey), nil
}

// ValidateAuthToken validates the token carried by a message pointer.
// Returns nil if valid, ErrInvalidToken if invalid.
func (s *AuthService) ValidateAuthToken(dispatchJobID, token string) error {
	if token == "" || dispatchJobID == "" {
		return ErrInvalidToken
	}

	if s.appKey == "" {
		s.logger.Error("app key is not configured, cannot validate auth token")
		return ErrAppKeyNotConfigured
	}

	expected, err := s.GenerateAuthToken(dispatchJobID)
	if err != nil {
		return err
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrInvalidToken
	}

	return nil
}

// IsConfigured returns true if the app key is configured
func (s *AuthService) IsConfigured() bool {
	return s.appKey != ""
}

// hmacSHA256Hex computes HMAC-SHA256 and returns the lowercase hex digest
func hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
