package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ImageInput is one photo handed to the analyzer.
type ImageInput struct {
	Type ImageType
	Path string
}

// CarInfo is the context the analyzer builds its prompt from.
type CarInfo struct {
	Brand        string
	Model        string
	Year         int
	Mileage      int
	Description  string
	CountryCode  string
	UserCurrency string // owner preference, overrides the country default
	UserLanguage string
}

// Cost is a money amount as the model reports it. Models return either
// "1200 EUR" style strings or bare numbers; both decode to text.
type Cost string

// UnmarshalJSON accepts a JSON string, number or null.
func (c *Cost) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Cost(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("cost: unexpected value %s", b)
	}
	*c = Cost(b)
	return nil
}

// Damage is one damaged area found in the photos.
type Damage struct {
	Location                      string `json:"location"`
	Severity                      string `json:"severity"`
	Description                   string `json:"description"`
	EstimatedPartsCostOriginal    Cost   `json:"estimated_parts_cost_original,omitempty"`
	EstimatedPartsCostAlternative Cost   `json:"estimated_parts_cost_alternative,omitempty"`
	EstimatedLaborCost            Cost   `json:"estimated_labor_cost,omitempty"`
}

// Analysis is the fixed schema the analyzer must return.
type Analysis struct {
	DamageDetected                     *bool    `json:"damage_detected"`
	Damages                            []Damage `json:"damages,omitempty"`
	Recommendations                    []string `json:"recommendations,omitempty"`
	EstimatedTotalPartsCostOriginal    Cost     `json:"estimated_total_parts_cost_original,omitempty"`
	EstimatedTotalPartsCostAlternative Cost     `json:"estimated_total_parts_cost_alternative,omitempty"`
	EstimatedTotalLaborCost            Cost     `json:"estimated_total_labor_cost,omitempty"`
	Summary                            string   `json:"summary"`
	Currency                           string   `json:"currency,omitempty"`
	Region                             string   `json:"region,omitempty"`
	Locale                             string   `json:"locale,omitempty"`
}

// AnalysisResult carries the decoded analysis plus the exact JSON it came from.
// Raw is what gets persisted, so a stored report reads back byte-for-byte.
type AnalysisResult struct {
	Analysis Analysis
	Raw      json.RawMessage
	Model    string
}

// ParseAnalysis validates raw against the analysis schema.
// Any failure is reported as ErrMalformedAnalysis.
func ParseAnalysis(raw []byte) (*AnalysisResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedAnalysis)
	}

	var a Analysis
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnalysis, err)
	}
	if a.DamageDetected == nil {
		return nil, fmt.Errorf("%w: missing damage_detected", ErrMalformedAnalysis)
	}

	return &AnalysisResult{
		Analysis: a,
		Raw:      json.RawMessage(append([]byte(nil), trimmed...)),
	}, nil
}
