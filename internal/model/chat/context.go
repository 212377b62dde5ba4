package chat

// Profile carries the user attributes used to personalize replies.
type Profile struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Age          int    `json:"age,omitempty"`
	Gender       string `json:"gender,omitempty"`
	CurrentIssue string `json:"currentIssue,omitempty"`
}

// PromptContext is everything a generation call needs besides the model itself.
type PromptContext struct {
	Profile Profile
	// Issues are newest first.
	Issues []IssueSnapshot
	// History is chronological and may already contain Message as its last turn.
	History []Turn
	Message string
}
