// Package model defines the core data types shared across the ASR gateway.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a Job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Status string

const (
	// StatusQueued indicates a job is waiting to be claimed.
	StatusQueued Status = "queued"
	// StatusProcessing indicates a job is owned by a processor and being worked.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates a job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a job terminated with an error.
	StatusFailed Status = "failed"
)

// Valid returns true if the Status is one of the recognized lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so Status can be parsed from query strings and env vars.
func (s *Status) UnmarshalText(text []byte) error {
	v := Status(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid status: %q", v)
	}
	*s = v
	return nil
}

// Priority represents a job's scheduling priority.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Priority string

const (
	// PriorityHigh jobs are claimed before normal and low priority jobs.
	PriorityHigh Priority = "high"
	// PriorityNormal is the default priority.
	PriorityNormal Priority = "normal"
	// PriorityLow jobs are claimed only once no high or normal jobs remain.
	PriorityLow Priority = "low"
)

// Valid returns true if the Priority is recognized.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the ordering value used by claim_next; higher ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 1
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for Priority.
func (p *Priority) UnmarshalText(text []byte) error {
	v := Priority(strings.ToLower(strings.TrimSpace(string(text))))
	if v == "" {
		v = PriorityNormal
	}
	if !v.Valid() {
		return fmt.Errorf("invalid priority: %q", v)
	}
	*p = v
	return nil
}

// TaskType represents the requested ASR operation.
type TaskType string

const (
	// TaskTypeTranscribe requests transcription in the source language.
	TaskTypeTranscribe TaskType = "transcribe"
	// TaskTypeTranslate requests translation to English.
	TaskTypeTranslate TaskType = "translate"
)

// Valid returns true if the TaskType is recognized.
func (t TaskType) Valid() bool {
	return t == TaskTypeTranscribe || t == TaskTypeTranslate
}

// SourceKind identifies which of a job's mutually exclusive source fields is populated.
type SourceKind string

const (
	// SourceLocalPath indicates the job was created from an uploaded file already staged locally.
	SourceLocalPath SourceKind = "local_path"
	// SourceRemoteURL indicates the job's media must be fetched from a URL (optionally via a crawler).
	SourceRemoteURL SourceKind = "remote_url"
)

// ErrNoJobsAvailable is returned by ClaimNext when no matching queued job exists.
var ErrNoJobsAvailable = errors.New("no jobs available")

// ErrNotFound is returned when a job id has no corresponding row.
var ErrNotFound = errors.New("job not found")

// ErrIllegalTransition is returned when an update would violate the job status state machine.
var ErrIllegalTransition = errors.New("illegal job status transition")

// DecodeOptions mirrors the enumerated set of recognized ASR decoder options.
// Unknown keys are rejected at intake by the HTTP layer's strict JSON decoding;
// this struct only carries the recognized fields.
type DecodeOptions struct {
	Language                      *string   `json:"language,omitempty"`
	Temperature                   []float64 `json:"temperature,omitempty"`
	CompressionRatioThreshold     *float64  `json:"compression_ratio_threshold,omitempty"`
	NoSpeechThreshold             *float64  `json:"no_speech_threshold,omitempty"`
	ConditionOnPreviousText       *bool     `json:"condition_on_previous_text,omitempty"`
	InitialPrompt                 *string   `json:"initial_prompt,omitempty"`
	WordTimestamps                *bool     `json:"word_timestamps,omitempty"`
	PrependPunctuations           *string   `json:"prepend_punctuations,omitempty"`
	AppendPunctuations            *string   `json:"append_punctuations,omitempty"`
	ClipTimestamps                *string   `json:"clip_timestamps,omitempty"`
	HallucinationSilenceThreshold *float64  `json:"hallucination_silence_threshold,omitempty"`
}

// Validate checks DecodeOptions for the value-range invariants of spec.md
// §4.4 step 2, run by C4 immediately after claiming a job (in addition to,
// not instead of, the unknown-key rejection C6 already performs at intake).
func (d DecodeOptions) Validate() error {
	for _, t := range d.Temperature {
		if t < 0 || t > 1 {
			return fmt.Errorf("temperature must be between 0 and 1, got %v", t)
		}
	}
	if d.CompressionRatioThreshold != nil && *d.CompressionRatioThreshold <= 0 {
		return fmt.Errorf("compression_ratio_threshold must be positive, got %v", *d.CompressionRatioThreshold)
	}
	if d.NoSpeechThreshold != nil && (*d.NoSpeechThreshold < 0 || *d.NoSpeechThreshold > 1) {
		return fmt.Errorf("no_speech_threshold must be between 0 and 1, got %v", *d.NoSpeechThreshold)
	}
	if d.HallucinationSilenceThreshold != nil && *d.HallucinationSilenceThreshold < 0 {
		return fmt.Errorf("hallucination_silence_threshold must be non-negative, got %v", *d.HallucinationSilenceThreshold)
	}
	return nil
}

// Segment is one decoded span of a transcription result.
type Segment struct {
	ID         int             `json:"id"`
	Start      float64         `json:"start"`
	End        float64         `json:"end"`
	Text       string          `json:"text"`
	Diagnostic json.RawMessage `json:"diagnostic,omitempty"`
}

// Result is the structured outcome of a completed inference.
type Result struct {
	Text     string          `json:"text"`
	Segments []Segment       `json:"segments"`
	Info     json.RawMessage `json:"info,omitempty"`
}

// Job is the primary durable entity of the gateway: a single ASR request and its lifecycle.
type Job struct {
	ID                        int64         `json:"id"                                     db:"id"`
	Status                    Status        `json:"status"                                 db:"status"`
	Priority                  Priority      `json:"priority"                               db:"priority"`
	EngineName                string        `json:"engine_name"                            db:"engine_name"`
	TaskType                  TaskType      `json:"task_type"                              db:"task_type"`
	Source                    SourceKind    `json:"source"                                 db:"source"`
	FileURL                   string        `json:"file_url,omitempty"                     db:"file_url"`
	LocalPath                 string        `json:"-"                                      db:"local_path"`
	FileName                  string        `json:"file_name,omitempty"                    db:"file_name"`
	FileSizeBytes             int64         `json:"file_size_bytes,omitempty"              db:"file_size_bytes"`
	FileDurationSeconds       float64       `json:"file_duration_seconds,omitempty"        db:"file_duration_seconds"`
	Platform                  string        `json:"platform,omitempty"                     db:"platform"`
	Language                  string        `json:"language,omitempty"                     db:"language"`
	DecodeOptions             DecodeOptions `json:"decode_options"                         db:"decode_options"`
	Result                    *Result       `json:"result,omitempty"                       db:"result"`
	ErrorMessage              *string       `json:"error_message,omitempty"                db:"error_message"`
	TaskProcessingTimeSeconds *float64      `json:"task_processing_time_seconds,omitempty" db:"task_processing_time_seconds"`
	CallbackURL               string        `json:"callback_url,omitempty"                 db:"callback_url"`
	CallbackStatusCode        *int          `json:"callback_status_code,omitempty"         db:"callback_status_code"`
	CallbackMessage           *string       `json:"callback_message,omitempty"             db:"callback_message"`
	CallbackTime              *time.Time    `json:"callback_time,omitempty"                db:"callback_time"`
	LeaseExpiresAt            *time.Time    `json:"-"                                      db:"lease_expires_at"`
	CreatedAt                 time.Time     `json:"created_at"                             db:"created_at"`
	UpdatedAt                 time.Time     `json:"updated_at"                             db:"updated_at"`
}

// CreateJobRequest is the intake payload accepted by C6 for a new job.
type CreateJobRequest struct {
	Priority      Priority      `json:"priority,omitempty"`
	EngineName    string        `json:"engine_name,omitempty"`
	TaskType      TaskType      `json:"task_type"`
	Source        SourceKind    `json:"source"`
	FileURL       string        `json:"file_url,omitempty"`
	LocalPath     string        `json:"-"`
	FileName      string        `json:"-"`
	FileSizeBytes int64         `json:"-"`
	Platform      string        `json:"platform,omitempty"`
	DecodeOptions DecodeOptions `json:"decode_options,omitempty"`
	CallbackURL   string        `json:"callback_url,omitempty"`
}

// Validate checks the CreateJobRequest for the invariants of spec.md §3/§7: source exclusivity,
// a recognized task type, and (for uploads) a local path already staged by the caller.
func (r *CreateJobRequest) Validate() error {
	if !r.TaskType.Valid() {
		return errors.New("task_type must be transcribe or translate")
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Priority.Valid() {
		return errors.New("priority must be high, normal, or low")
	}
	switch r.Source {
	case SourceLocalPath:
		if r.LocalPath == "" {
			return errors.New("local_path source requires a staged file")
		}
	case SourceRemoteURL:
		if r.FileURL == "" {
			return errors.New("remote_url source requires file_url")
		}
	default:
		return errors.New("source must be local_path or remote_url")
	}
	return nil
}

// JobStats summarizes job counts by status for a given engine.
type JobStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// ListFilter narrows a Query call. Zero values mean "no filter on this field".
type ListFilter struct {
	Status        Status
	Priority      Priority
	EngineName    string
	Language      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// UpdatePatch is a partial update applied by Update; nil fields are left unchanged.
// Update rejects patches that would move Status outside the transitions allowed by
// the state machine in spec.md §3 invariant 3.
type UpdatePatch struct {
	Status   *Status
	Language *string
	Platform *string
}
