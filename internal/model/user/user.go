package user

import (
	"strings"
	"time"
)

// Assessment is one Likert self-assessment snapshot stored on the user.
type Assessment struct {
	Sentiment      string    `json:"sentiment"`
	Emotion        string    `json:"emotion"`
	RiskLevel      string    `json:"riskLevel"`
	Topics         []string  `json:"topics"`
	Summary        string    `json:"summary"`
	SelectedDomain string    `json:"selectedDomain,omitempty"`
	Date           time.Time `json:"date"`
}

// User captures the profile attributes the chat pipeline reads for personalization.
type User struct {
	ID        string       `json:"id"`
	Username  string       `json:"username"`
	Email     string       `json:"email"`
	Age       int          `json:"age"`
	Gender    string       `json:"gender"`
	Tests     []Assessment `json:"tests,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// LatestAssessment returns the most recently taken assessment.
func (u User) LatestAssessment() (Assessment, bool) {
	if len(u.Tests) == 0 {
		return Assessment{}, false
	}
	latest := u.Tests[0]
	for _, t := range u.Tests[1:] {
		if !t.Date.Before(latest.Date) {
			latest = t
		}
	}
	return latest, true
}

// CurrentIssue derives the personalization label from the latest assessment.
func (u User) CurrentIssue() string {
	latest, ok := u.LatestAssessment()
	if !ok {
		return ""
	}
	if domain := strings.TrimSpace(latest.SelectedDomain); domain != "" {
		return domain
	}
	if emotion := strings.TrimSpace(latest.Emotion); emotion != "" {
		return emotion
	}
	for _, topic := range latest.Topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			return topic
		}
	}
	return ""
}
