package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const describePrompt = `Return the list of operations of the cleaning pipeline below. Consider only
the operations after the table is subscribed to the tracker that are followed
by a call that analyzes the changes; every such operation must appear, in
execution order. Do not include sampling operations and do not refer to comments.

Answer with a JSON list between triple backticks, one object per operation:
{"name": "...", "description": "...", "code": "..."}

Cleaning pipeline:
%s
`

// Describer turns pipeline source code into activity descriptions.
type Describer struct {
	completer Completer
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewDescriber(completer Completer, logger *zap.Logger) *Describer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Describer{completer: completer, validate: validator.New(), logger: logger}
}

// Describe asks the model for one description per tracked operation.
func (d *Describer) Describe(ctx context.Context, pipelineCode string) ([]domain.ActivityDescription, error) {
	completion, err := d.completer.Complete(ctx, fmt.Sprintf(describePrompt, pipelineCode))
	if err != nil {
		return nil, err
	}
	descriptions, err := ParseDescriptions(completion, d.validate)
	if err != nil {
		return nil, err
	}
	d.logger.Info("pipeline described", zap.Int("activities", len(descriptions)))
	return descriptions, nil
}

// ParseDescriptions extracts and validates a fenced JSON list of descriptions.
func ParseDescriptions(completion string, validate *validator.Validate) ([]domain.ActivityDescription, error) {
	body, err := ExtractFenced(completion)
	if err != nil {
		return nil, err
	}
	var descriptions []domain.ActivityDescription
	if err := json.Unmarshal([]byte(body), &descriptions); err != nil {
		return nil, fmt.Errorf("decode descriptions: %w", err)
	}
	if len(descriptions) == 0 {
		return nil, errors.New("model returned no activities")
	}
	for i := range descriptions {
		if err := validate.Struct(&descriptions[i]); err != nil {
			return nil, fmt.Errorf("activity %d: %w", i+1, err)
		}
	}
	return descriptions, nil
}
