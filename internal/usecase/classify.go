package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"household-agent/internal/domain"
)

// classificationResponse mirrors the structured-output schema requested from
// the model. The shape is validated strictly here; the raw response is never
// trusted.
type classificationResponse struct {
	Kind          string  `json:"kind"`
	ActivityLabel string  `json:"activity_label"`
	EffortLevel   string  `json:"effort_level"`
	Confidence    float64 `json:"confidence"`
}

func buildClassificationMessages(text string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "system", Content: buildClassificationPrompt()},
		{Role: "user", Content: text},
	}
}

func buildClassificationPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You classify chat messages from a shared household group.",
		"",
		"Task:",
		"Decide whether the message reports a completed household chore, a rest or recovery activity, or neither.",
		"Messages may be in Swedish or English.",
		"",
		"Definitions:",
		"- chore: the sender states they did housework (dishes, laundry, cleaning, cooking, errands, childcare logistics).",
		"- recovery: the sender states they rested or recharged (nap, walk, reading, exercise for its own sake).",
		"- none: anything else, including plans, questions, requests, and activity done by someone other than the sender.",
		"",
		"Behavior Rules:",
		"1) Classify only what the sender reports about themselves, in past or just-completed form.",
		"2) activity_label is a short noun phrase naming the activity, in the message's language.",
		"3) effort_level reflects typical physical or time effort: low, medium, or high.",
		"4) confidence is your probability that the classification is correct, between 0 and 1.",
		"5) When unsure between an activity and none, prefer none with low confidence.",
		"",
		"Output Contract:",
		"Return JSON only with keys kind, activity_label, effort_level, confidence.",
	}, "\n")
}

// parseClassificationResult validates the raw model output against the closed
// enumerations and the confidence range. Any malformed shape is an error; the
// enclosing pipeline treats that error as non-fatal for the message.
func parseClassificationResult(raw string) (domain.ClassificationResult, error) {
	var out classificationResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("usecase: decode classification: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.ClassificationResult{}, errors.New("usecase: decode classification: multiple JSON values")
		}
		return domain.ClassificationResult{}, fmt.Errorf("usecase: decode classification trailing data: %w", err)
	}

	kind := domain.ActivityKind(out.Kind)
	if !domain.ValidActivityKind(kind) {
		return domain.ClassificationResult{}, fmt.Errorf("usecase: classification kind %q outside enumeration", out.Kind)
	}
	effort := domain.EffortLevel(out.EffortLevel)
	if !domain.ValidEffortLevel(effort) {
		return domain.ClassificationResult{}, fmt.Errorf("usecase: classification effort level %q outside enumeration", out.EffortLevel)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return domain.ClassificationResult{}, fmt.Errorf("usecase: classification confidence %v outside [0,1]", out.Confidence)
	}
	if kind != domain.KindNone && strings.TrimSpace(out.ActivityLabel) == "" {
		return domain.ClassificationResult{}, errors.New("usecase: classification missing activity label")
	}

	return domain.ClassificationResult{
		Kind:          kind,
		ActivityLabel: strings.TrimSpace(out.ActivityLabel),
		EffortLevel:   effort,
		Confidence:    out.Confidence,
	}, nil
}
