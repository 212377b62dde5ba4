// Package issue turns raw analysis-model output into a validated issue result.
package issue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
)

var (
	ErrNoPayload    = errors.New("no structured payload in model output")
	ErrMissingField = errors.New("analysis result missing required fields")
)

// Result is the normalized five-field analysis of a message batch.
type Result struct {
	Sentiment chat.Sentiment `json:"sentiment"`
	Emotion   string         `json:"emotion"`
	RiskLevel chat.RiskLevel `json:"risk_level"`
	Topics    []string       `json:"topics"`
	Summary   string         `json:"summary"`
}

// Coercion records a field value that was replaced by a safe default.
type Coercion struct {
	Field string
	Raw   string
	Used  string
}

var validRisk = map[string]chat.RiskLevel{
	"low":       chat.RiskLow,
	"medium":    chat.RiskMedium,
	"high":      chat.RiskHigh,
	"emergency": chat.RiskEmergency,
}

var validSentiment = map[string]chat.Sentiment{
	"positive": chat.SentimentPositive,
	"negative": chat.SentimentNegative,
	"neutral":  chat.SentimentNeutral,
}

// Parse decodes model output into a Result. It accepts bare JSON or JSON
// embedded in free text (markdown fences, prose around the object).
func Parse(content string) (Result, []Coercion, error) {
	fields, err := decodeObject(content)
	if err != nil {
		return Result{}, nil, err
	}

	sentiment, okSentiment := stringField(fields, "sentiment")
	emotion, okEmotion := stringField(fields, "emotion")
	risk, okRisk := stringField(fields, "risk_level", "riskLevel", "risk")
	summary, okSummary := stringField(fields, "summary")
	rawTopics, okTopics := lookup(fields, "topics")
	if !okSentiment || !okEmotion || !okRisk || !okSummary || !okTopics {
		return Result{}, nil, ErrMissingField
	}

	var coercions []Coercion
	result := Result{
		Emotion: emotion,
		Summary: FirstLine(summary),
	}

	if level, ok := validRisk[strings.ToLower(risk)]; ok {
		result.RiskLevel = level
	} else {
		result.RiskLevel = chat.RiskLow
		coercions = append(coercions, Coercion{Field: "risk_level", Raw: risk, Used: string(chat.RiskLow)})
	}

	if s, ok := validSentiment[strings.ToLower(sentiment)]; ok {
		result.Sentiment = s
	} else {
		result.Sentiment = chat.SentimentNeutral
		coercions = append(coercions, Coercion{Field: "sentiment", Raw: sentiment, Used: string(chat.SentimentNeutral)})
	}

	topics, ok := decodeTopics(rawTopics)
	if !ok {
		coercions = append(coercions, Coercion{Field: "topics", Raw: string(rawTopics), Used: "[]"})
	}
	result.Topics = topics

	return result, coercions, nil
}

// FirstLine returns the first line of s, trimmed. A leading newline yields "".
func FirstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func decodeObject(content string) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err == nil && fields != nil {
		return fields, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, ErrNoPayload
	}

	fields = nil
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPayload, err)
	}
	return fields, nil
}

func lookup(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		return raw, true
	}
	return nil, false
}

// stringField reads a non-blank value. Non-string JSON values are kept in
// their literal form so enum checks can coerce them.
func stringField(fields map[string]json.RawMessage, keys ...string) (string, bool) {
	raw, ok := lookup(fields, keys...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func decodeTopics(raw json.RawMessage) ([]string, bool) {
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}, false
	}
	topics := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			topics = append(topics, item)
		}
	}
	return topics, true
}
