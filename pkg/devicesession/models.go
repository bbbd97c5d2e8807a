package devicesession

import (
	"time"

	"github.com/tendant/devicetrust/pkg/model"
)

// SessionSummary is a simplified session view for listing
type SessionSummary struct {
	ID                string                  `json:"id"`
	DeviceName        string                  `json:"device_name"`
	Browser           string                  `json:"browser"`
	OperatingSystem   string                  `json:"operating_system"`
	IPAddress         string                  `json:"ip_address,omitempty"`
	State             model.TrustState        `json:"state"`
	ConfidenceScore   int                     `json:"confidence_score"`
	ConfidenceLevel   model.ConfidenceLevel   `json:"confidence_level"`
	AccessLevel       model.AccessLevel       `json:"access_level"`
	VerificationLevel model.VerificationLevel `json:"verification_level"`
	LastActive        time.Time               `json:"last_active"`
	LastVerified      *time.Time              `json:"last_verified,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	IsCurrentSession  bool                    `json:"is_current_session"`
}

// SessionListResponse represents the response for listing sessions
type SessionListResponse struct {
	Sessions         []SessionSummary `json:"sessions"`
	Total            int              `json:"total"`
	TrustedCount     int              `json:"trusted_count"`
	CurrentSessionID string           `json:"current_session_id,omitempty"`
}
