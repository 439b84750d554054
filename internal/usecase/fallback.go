package usecase

import "regexp"

// FallbackRule maps questions matching Pattern to a canned Response.
type FallbackRule struct {
	Pattern  *regexp.Regexp
	Response string
}

const (
	fallbackDeadline = "I can't reach the course material right now. For deadlines and due dates, " +
		"please check the class calendar or ask your teacher, who has the authoritative schedule."
	fallbackGrading = "I can't reach the course material right now. Questions about grades and scores " +
		"are best answered by your teacher, who can see how your work was assessed."
	fallbackHelp = "I can't reach the course material right now, but let's keep going. Tell me what you " +
		"have tried so far and which step you are stuck on, and we can work through it together."
	fallbackGeneric = "Hi! I'm your study assistant. I help you work through your class activities by " +
		"asking guiding questions rather than giving away answers. I couldn't look up the course " +
		"material just now, so please try your question again in a moment."
)

// DefaultFallbackRules is evaluated in order; the first match wins.
func DefaultFallbackRules() []FallbackRule {
	return []FallbackRule{
		{Pattern: regexp.MustCompile(`(?i)\b(deadlines?|due( date)?|submit(ted|ting)? by|late submission|extension)\b`), Response: fallbackDeadline},
		{Pattern: regexp.MustCompile(`(?i)\b(grades?|grading|graded|scores?|marks?|points)\b`), Response: fallbackGrading},
		{Pattern: regexp.MustCompile(`(?i)\b(help|stuck|confused|don'?t understand|lost)\b`), Response: fallbackHelp},
	}
}

// FallbackResponse returns the canned answer for question. It never returns
// an empty string.
func FallbackResponse(rules []FallbackRule, question string) string {
	for _, r := range rules {
		if r.Pattern != nil && r.Response != "" && r.Pattern.MatchString(question) {
			return r.Response
		}
	}
	return fallbackGeneric
}
