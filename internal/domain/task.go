// Package domain holds the inspection pipeline's pure types.
// A Task is one inspection request that flows through the pipeline:
// upload → pay → enqueue → analyze → report → notify.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is a named state from the task_statuses lookup table.
type TaskStatus string

const (
	StatusImageUploaded TaskStatus = "image_uploaded"
	StatusProcessing    TaskStatus = "processing"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"

	// Seeded by the first schema revision; kept so existing rows resolve.
	StatusReportGenerated TaskStatus = "report_generated"
	StatusEmailSent       TaskStatus = "email_sent"
)

// KnownStatuses lists every status the registry is seeded with.
var KnownStatuses = []TaskStatus{
	StatusImageUploaded,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusReportGenerated,
	StatusEmailSent,
}

// ValidStatus reports whether name is part of the fixed status vocabulary.
func ValidStatus(name TaskStatus) bool {
	for _, s := range KnownStatuses {
		if s == name {
			return true
		}
	}
	return false
}

// allowedFrom maps a target status to the statuses it may be entered from.
// completed and failed are terminal: nothing leads out of them.
var allowedFrom = map[TaskStatus][]TaskStatus{
	StatusProcessing: {StatusImageUploaded, StatusProcessing},
	// image_uploaded is accepted so a lost "processing" write does not strand a finished task.
	StatusCompleted: {StatusImageUploaded, StatusProcessing},
	StatusFailed:    {StatusImageUploaded, StatusProcessing},
}

// AllowedFrom returns the statuses a task may be in before moving to target.
// An empty result means target is never reached by a transition.
func AllowedFrom(target TaskStatus) []TaskStatus {
	return allowedFrom[target]
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves status.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ImageType classifies an uploaded photo.
type ImageType string

const (
	ImageFront ImageType = "front"
	ImageBack  ImageType = "back"
	ImageLeft  ImageType = "left"
	ImageRight ImageType = "right"
	ImageIssue ImageType = "issue"
	ImageOther ImageType = "other"
)

// ImageTypes lists the seeded image types in prompt order.
var ImageTypes = []ImageType{ImageFront, ImageBack, ImageLeft, ImageRight, ImageIssue, ImageOther}

// Describe returns the human label used when describing a photo to the analyzer.
func (t ImageType) Describe() string {
	switch t {
	case ImageFront:
		return "Front view"
	case ImageBack:
		return "Back view"
	case ImageLeft:
		return "Left side view"
	case ImageRight:
		return "Right side view"
	case ImageIssue:
		return "Issue/Damage close-up"
	default:
		return "Additional view"
	}
}

// Vehicle describes the car under inspection.
type Vehicle struct {
	Brand       string `json:"brand"`
	Model       string `json:"model"`
	Year        int    `json:"year,omitempty"`
	Mileage     int    `json:"mileage,omitempty"`
	Description string `json:"description,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// Owner is the user a task belongs to.
type Owner struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Currency string `json:"currency,omitempty"`
	Language string `json:"language,omitempty"`
}

// Task is one inspection request.
type Task struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Vehicle   Vehicle    `json:"vehicle"`
	IsPaid    bool       `json:"is_paid"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Image is one uploaded photo. TaskID is empty while the image is orphaned.
type Image struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      ImageType `json:"type"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is the persisted analysis of a task. Immutable once created.
type Report struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Data      json.RawMessage `json:"data"`
	URL       string          `json:"url,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskGraph is a task loaded together with everything processing needs.
type TaskGraph struct {
	Task   Task
	Owner  *Owner
	Images []Image
	Report *Report // nil until the task has been processed
}

// StatusChange is one row of a task's status audit trail.
type StatusChange struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// CarInfo is the vehicle and owner context handed to the analyzer.
func (g *TaskGraph) CarInfo() CarInfo {
	info := CarInfo{
		Brand:       g.Task.Vehicle.Brand,
		Model:       g.Task.Vehicle.Model,
		Year:        g.Task.Vehicle.Year,
		Mileage:     g.Task.Vehicle.Mileage,
		Description: g.Task.Vehicle.Description,
		CountryCode: g.Task.Vehicle.CountryCode,
	}
	if info.Brand == "" {
		info.Brand = "Unknown"
	}
	if info.Model == "" {
		info.Model = "Unknown"
	}
	if g.Owner != nil {
		info.UserCurrency = g.Owner.Currency
		info.UserLanguage = g.Owner.Language
	}
	return info
}

// ImageInputs converts the task's images into analyzer inputs.
func (g *TaskGraph) ImageInputs() []ImageInput {
	inputs := make([]ImageInput, 0, len(g.Images))
	for _, img := range g.Images {
		inputs = append(inputs, ImageInput{Type: img.Type, Path: img.Path})
	}
	return inputs
}
