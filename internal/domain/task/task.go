package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskDisabled   = errors.New("task is disabled")
	ErrInvalidSource  = errors.New("invalid task source")
	ErrDuplicateName  = errors.New("task name already registered")
)

type SourceType string

const (
	SourceFile     SourceType = "file"
	SourceURL      SourceType = "url"
	SourceEmbedded SourceType = "embedded"
	SourcePlugin   SourceType = "plugin"
)

func (t SourceType) IsValid() bool {
	switch t {
	case SourceFile, SourceURL, SourceEmbedded, SourcePlugin:
		return true
	default:
		return false
	}
}

// Source is the tagged descriptor for where a task's code comes from.
// Exactly one of Path/URL/Code/Plugin is meaningful depending on Type.
type Source struct {
	Type   SourceType `json:"type"`
	Path   string     `json:"path,omitempty"`
	URL    string     `json:"url,omitempty"`
	Code   string     `json:"code,omitempty"`
	Plugin string     `json:"plugin,omitempty"`
}

func (s Source) Validate() error {
	if !s.Type.IsValid() {
		return ErrInvalidSource
	}
	switch s.Type {
	case SourceFile:
		if s.Path == "" {
			return ErrInvalidSource
		}
	case SourceURL:
		if s.URL == "" {
			return ErrInvalidSource
		}
	case SourceEmbedded:
		if s.Code == "" {
			return ErrInvalidSource
		}
	case SourcePlugin:
		if s.Plugin == "" {
			return ErrInvalidSource
		}
	}
	return nil
}

// a Task is a named, versioned unit of executable JavaScript.

type Task struct {
	ID           int64           `json:"id"`
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  *string         `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Source       Source          `json:"source"`
	Enabled      bool            `json:"enabled"`
	ValidatedAt  *time.Time      `json:"validatedAt,omitempty"`
	DeletedAt    *time.Time      `json:"deletedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type CreateRequest struct {
	Name         string
	Version      string
	Description  *string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Source       Source
	Enabled      bool
}

func New(req CreateRequest) (Task, error) {
	if err := req.Source.Validate(); err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()

	version := req.Version
	if version == "" {
		version = "1.0.0"
	}

	return Task{
		UUID:         uuid.NewString(),
		Name:         req.Name,
		Version:      version,
		Description:  req.Description,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Source:       req.Source,
		Enabled:      req.Enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// EstimateSize is a rough byte account used by the task cache budgets.
func (t Task) EstimateSize() int {
	size := len(t.Source.Code) + len(t.Source.Path) + len(t.Source.URL)
	size += len(t.InputSchema) + len(t.OutputSchema)
	size += len(t.Name) + len(t.Version)
	if t.Description != nil {
		size += len(*t.Description)
	}
	// struct overhead
	return size + 256
}
