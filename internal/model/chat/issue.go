package chat

import "time"

// Sentiment 情绪倾向，仅允许三个取值。
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// RiskLevel 风险等级。
type RiskLevel string

const (
	RiskLow       RiskLevel = "low"
	RiskMedium    RiskLevel = "medium"
	RiskHigh      RiskLevel = "high"
	RiskEmergency RiskLevel = "emergency"
)

// Issue is a derived analysis snapshot computed from one or more user turns.
type Issue struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	RawText   string    `json:"rawText"`
	Sentiment Sentiment `json:"sentiment"`
	Emotion   string    `json:"emotion"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Topics    []string  `json:"topics"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// IssueSnapshot is the projection of an Issue used for generation context.
type IssueSnapshot struct {
	Summary   string    `json:"summary"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Topics    []string  `json:"topics"`
	Emotion   string    `json:"emotion"`
	Sentiment Sentiment `json:"sentiment"`
}

// Snapshot projects the fields consumed by the context assembler.
func (i Issue) Snapshot() IssueSnapshot {
	return IssueSnapshot{
		Summary:   i.Summary,
		RiskLevel: i.RiskLevel,
		Topics:    append([]string(nil), i.Topics...),
		Emotion:   i.Emotion,
		Sentiment: i.Sentiment,
	}
}
