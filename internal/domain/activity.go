package domain

import (
	"errors"
	"fmt"
)

const (
	// NoExceptionNote is the runtime note of activities of a run that completed.
	NoExceptionNote = "No exceptions occurred"
)

// ActivityDescription is the externally produced description of one
// transformation step: its name, a human readable description and the code.
type ActivityDescription struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description" yaml:"description"`
	Code        string   `json:"code" yaml:"code"`
	CodeLine    int      `json:"codeLine,omitempty" yaml:"codeLine,omitempty" validate:"gte=0"`
	UsedColumns []string `json:"usedColumns,omitempty" yaml:"usedColumns,omitempty" validate:"omitempty,dive,required"`
}

// Activity is a provenance node for one transformation step.
type Activity struct {
	ID                  string         `json:"id" yaml:"id"`
	FunctionName        string         `json:"functionName" yaml:"functionName"`
	Context             string         `json:"context" yaml:"context"`
	Description         string         `json:"description,omitempty" yaml:"description,omitempty"`
	Code                string         `json:"code" yaml:"code"`
	CodeLine            int            `json:"codeLine,omitempty" yaml:"codeLine,omitempty"`
	UsedFeatures        []string       `json:"usedFeatures" yaml:"usedFeatures"`
	GeneratedFeatures   []string       `json:"generatedFeatures,omitempty" yaml:"generatedFeatures,omitempty"`
	DeletedUsedFeatures []string       `json:"deletedUsedFeatures,omitempty" yaml:"deletedUsedFeatures,omitempty"`
	GeneratedRecords    []int64        `json:"generatedRecords,omitempty" yaml:"generatedRecords,omitempty"`
	DeletedRecords      []int64        `json:"deletedRecords,omitempty" yaml:"deletedRecords,omitempty"`
	RuntimeExceptions   string         `json:"runtimeExceptions" yaml:"runtimeExceptions"`
	TrackerID           string         `json:"trackerId,omitempty" yaml:"trackerId,omitempty"`
	Attributes          map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// NewActivity builds an activity node from its description.
func NewActivity(id string, desc ActivityDescription, trackerID string) Activity {
	activity := Activity{
		ID:                id,
		FunctionName:      desc.Name,
		Context:           desc.Description,
		Code:              desc.Code,
		CodeLine:          desc.CodeLine,
		UsedFeatures:      []string{},
		RuntimeExceptions: NoExceptionNote,
	}
	if trackerID != "" {
		activity.TrackerID = NamespaceTracker + trackerID
	}
	return activity
}

// AttachFailure records a pipeline failure note on the activity.
func (a *Activity) AttachFailure(f *ExecutionFailure) {
	if f == nil {
		return
	}
	a.RuntimeExceptions = fmt.Sprintf("An exception occurred here or before (%s)", f.Summary())
}

// ExecutionFailure captures why an instrumented pipeline stopped early.
type ExecutionFailure struct {
	Type    string `json:"type" yaml:"type"`
	Message string `json:"message" yaml:"message"`
}

// NewExecutionFailure summarises an error by its dynamic type and message.
// Wrapped errors report the innermost error's type.
func NewExecutionFailure(err error) *ExecutionFailure {
	if err == nil {
		return nil
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return &ExecutionFailure{Type: fmt.Sprintf("%T", inner), Message: err.Error()}
}

// Summary renders "<Type> - <message>".
func (f ExecutionFailure) Summary() string {
	return f.Type + " - " + f.Message
}
