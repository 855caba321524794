package httpadapter

import (
	"encoding/json"
	"time"

	"plontis/internal/domain"
)

// registerRequest accepts site_url_hash, the pre-hashed URL the WordPress
// plugin sends.
type registerRequest struct {
	APIKey           string `json:"api_key" validate:"omitempty,min=10,max=256"`
	SiteHash         string `json:"site_hash" validate:"omitempty,min=8,max=128"`
	SiteURL          string `json:"site_url" validate:"omitempty,max=2048"`
	SiteURLHash      string `json:"site_url_hash" validate:"omitempty,max=128"`
	WordPressVersion string `json:"wordpress_version" validate:"omitempty,max=32"`
	PluginVersion    string `json:"plugin_version" validate:"omitempty,max=32"`
}

type registerResponse struct {
	SiteHash     string    `json:"site_hash"`
	APIKey       string    `json:"api_key"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
	Created      bool      `json:"created"`
}

// detectionRequest accepts both the current field names and the ones used by
// older plugin releases (company, estimated_value). The descriptive plugin
// attributes are folded into raw_metadata before admission.
type detectionRequest struct {
	SiteHash             string          `json:"site_hash" validate:"max=128"`
	BotCompany           string          `json:"bot_company" validate:"max=128"`
	Company              string          `json:"company" validate:"max=128"`
	BotType              string          `json:"bot_type" validate:"max=64"`
	ContentType          string          `json:"content_type" validate:"max=64"`
	ContentValueEstimate json.Number     `json:"content_value_estimate"`
	EstimatedValue       json.Number     `json:"estimated_value"`
	DetectedAt           string          `json:"detected_at" validate:"max=64"`
	RawMetadata          json.RawMessage `json:"raw_metadata"`
	SiteCategory         json.RawMessage `json:"site_category"`
	SiteRegion           json.RawMessage `json:"site_region"`
	ContentQuality       json.RawMessage `json:"content_quality"`
	RiskLevel            json.RawMessage `json:"risk_level"`
	CommercialRisk       json.RawMessage `json:"commercial_risk"`
}

func (d detectionRequest) pluginFields() []pluginField {
	return []pluginField{
		{"site_category", d.SiteCategory},
		{"site_region", d.SiteRegion},
		{"content_quality", d.ContentQuality},
		{"risk_level", d.RiskLevel},
		{"commercial_risk", d.CommercialRisk},
	}
}

type detectionResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id"`
}

type revokeRequest struct {
	SiteHash string `json:"site_hash" validate:"required,max=128"`
}

type revokeResponse struct {
	SiteHash  string     `json:"site_hash"`
	Status    string     `json:"status"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type windowResponse struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type companyResponse struct {
	Company    string      `json:"company"`
	Detections int64       `json:"detections"`
	TotalValue json.Number `json:"total_value"`
}

type snapshotResponse struct {
	Window              windowResponse    `json:"window"`
	SiteHash            string            `json:"site_hash,omitempty"`
	TotalDetections     int64             `json:"total_detections"`
	TotalValue          json.Number       `json:"total_value"`
	AverageContentValue json.Number       `json:"average_content_value"`
	TopCompanies        []companyResponse `json:"top_companies"`
	Status              string            `json:"status"`
	Reason              string            `json:"reason,omitempty"`
	GeneratedAt         time.Time         `json:"generated_at"`
	MaxStalenessSeconds int64             `json:"max_staleness_seconds"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func toSnapshotResponse(s domain.AggregateSnapshot) snapshotResponse {
	out := snapshotResponse{
		Window:              windowResponse{Label: s.Window.Label, Start: s.Window.Start, End: s.Window.End},
		SiteHash:            s.SiteHash,
		TotalDetections:     s.TotalDetections,
		TotalValue:          json.Number(s.TotalValue.StringFixed(2)),
		AverageContentValue: json.Number(s.AverageContentValue.StringFixed(2)),
		TopCompanies:        make([]companyResponse, 0, len(s.TopCompanies)),
		Status:              string(s.Status),
		Reason:              s.Reason,
		GeneratedAt:         s.GeneratedAt,
		MaxStalenessSeconds: int64(s.MaxStaleness / time.Second),
	}
	for _, c := range s.TopCompanies {
		out.TopCompanies = append(out.TopCompanies, companyResponse{
			Company:    c.Company,
			Detections: c.Detections,
			TotalValue: json.Number(c.TotalValue.StringFixed(2)),
		})
	}
	return out
}
