package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/haven/backend/internal/model/chat"
)

const (
	maxIssueBullets  = 5
	maxTranscript    = 12
	emphasizedTurns  = 6
	defaultFriendTag = "friend"
)

// PromptBuilder renders a PromptContext into the companion's system instruction.
type PromptBuilder struct {
	base        string
	coreRules   []string
	strategy    []string
	guardrails  []string
	recentTurns int
}

// NewPromptBuilder returns a builder loaded with the default companion persona.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		base: "You are a friendly and supportive AI therapist companion. Listen with empathy, " +
			"respond in a warm and conversational tone, and guide the user gently through their feelings.",
		coreRules: []string{
			"Use the user's name (%s) often to build connection.",
			"Keep a calm, friendly and supportive tone. Never sound robotic.",
			"Acknowledge feelings before giving advice.",
			"Never judge and never argue. Always validate emotions.",
		},
		strategy: []string{
			"Exploration: ask gentle open-ended questions about how they feel.",
			"Identify the issue: decide whether the concern is small, moderate or serious.",
			"Small issues (stress, loneliness, daily struggles): suggest first-aid style help like journaling, a walk outside or talking to a friend.",
			"Moderate issues (ongoing struggles, motivation, anxiety): suggest mindfulness, small routines or breaking tasks into steps.",
			"Serious issues (self-harm, suicidal thoughts, trauma): stay compassionate but clearly recommend a licensed therapist or professional help.",
		},
		guardrails: []string{
			"Do not make diagnoses.",
			"Keep replies short and crisp.",
			"For emergencies or severe cases always suggest contacting a real therapist or a hotline.",
			"Close with encouragement, for example: \"Thank you for sharing, %s. You're not alone, I'm here whenever you want to talk.\"",
		},
		recentTurns: emphasizedTurns,
	}
}

// BuildSystemPrompt 生成系统提示词：人设规则、用户资料、最近问题记录和对话记录。
func (pb *PromptBuilder) BuildSystemPrompt(pc chat.PromptContext) string {
	name := strings.TrimSpace(pc.Profile.Username)
	if name == "" {
		name = defaultFriendTag
	}

	var b strings.Builder
	b.WriteString(pb.base)

	b.WriteString("\n\n### Core rules:\n")
	for _, rule := range pb.coreRules {
		writeBullet(&b, expandName(rule, name))
	}

	b.WriteString("\n### Response strategy:\n")
	for i, step := range pb.strategy {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	b.WriteString("\n### Important:\n")
	for _, rule := range pb.guardrails {
		writeBullet(&b, expandName(rule, name))
	}

	pb.writeProfile(&b, pc.Profile)
	pb.writeIssues(&b, pc.Issues)
	pb.writeTranscript(&b, pc.History)

	return strings.TrimRight(b.String(), "\n")
}

func (pb *PromptBuilder) writeProfile(b *strings.Builder, p chat.Profile) {
	b.WriteString("\n### User details:\n")
	writeBullet(b, "Username: "+orDefault(p.Username, "Unknown"))
	writeBullet(b, "Email: "+orDefault(p.Email, "Not provided"))
	if p.Age > 0 {
		writeBullet(b, fmt.Sprintf("Age: %d", p.Age))
	}
	if p.Gender != "" {
		writeBullet(b, "Gender: "+p.Gender)
	}
	if p.CurrentIssue != "" {
		writeBullet(b, "Current focus from their latest assessment: "+p.CurrentIssue)
	}
}

func (pb *PromptBuilder) writeIssues(b *strings.Builder, issues []chat.IssueSnapshot) {
	if len(issues) == 0 {
		return
	}
	if len(issues) > maxIssueBullets {
		issues = issues[:maxIssueBullets]
	}

	if latest := strings.TrimSpace(issues[0].Summary); latest != "" {
		b.WriteString("\n### Most recent concern:\n")
		b.WriteString(latest)
		b.WriteString("\n")
	}

	b.WriteString("\n### Recent analysis (newest first):\n")
	for i, issue := range issues {
		fmt.Fprintf(b, "%d. %s (risk: %s; emotion: %s; sentiment: %s",
			i+1, orDefault(issue.Summary, "no summary"), issue.RiskLevel, orDefault(issue.Emotion, "unknown"), issue.Sentiment)
		if len(issue.Topics) > 0 {
			fmt.Fprintf(b, "; topics: %s", strings.Join(issue.Topics, ", "))
		}
		b.WriteString(")\n")
	}
	b.WriteString("If the risk is high or emergency, prioritise safety and professional help.\n")
}

func (pb *PromptBuilder) writeTranscript(b *strings.Builder, history []chat.Turn) {
	if len(history) == 0 {
		return
	}
	if len(history) > maxTranscript {
		history = history[len(history)-maxTranscript:]
	}

	split := len(history) - pb.recentTurns
	if split < 0 {
		split = 0
	}

	if split > 0 {
		b.WriteString("\n### Earlier in the conversation:\n")
		for _, turn := range history[:split] {
			writeTurn(b, turn)
		}
	}
	b.WriteString("\n### Most recent turns (focus on these):\n")
	for _, turn := range history[split:] {
		writeTurn(b, turn)
	}
}

func writeTurn(b *strings.Builder, turn chat.Turn) {
	label := "User"
	if turn.Speaker == chat.SpeakerAssistant {
		label = "Assistant"
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.TrimSpace(turn.Content))
}

func writeBullet(b *strings.Builder, text string) {
	b.WriteString("- ")
	b.WriteString(text)
	b.WriteString("\n")
}

func expandName(rule, name string) string {
	if strings.Contains(rule, "%s") {
		return fmt.Sprintf(rule, name)
	}
	return rule
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
