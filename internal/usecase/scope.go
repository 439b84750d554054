package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/integrations/openai"
	"tutor-agent/internal/logging"
)

// ScopeBias selects how generously the gate admits borderline questions.
type ScopeBias string

const (
	BiasPermissive ScopeBias = "permissive"
	BiasBalanced   ScopeBias = "balanced"
)

const (
	reasonNoActivity        = "no activity context"
	reasonClassifierFailure = "classification unavailable"
)

var scopeDecisionSchema = openai.Schema{
	Name: "scope_decision",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "in_scope": {"type": "boolean"},
    "reason": {"type": "string"},
    "redirect_message": {"type": "string"}
  },
  "required": ["in_scope", "reason", "redirect_message"],
  "additionalProperties": false
}`),
}

type scopeDecisionResponse struct {
	InScope         bool   `json:"in_scope"`
	Reason          string `json:"reason"`
	RedirectMessage string `json:"redirect_message"`
}

// ScopeGate decides whether a question belongs to the selected activity.
type ScopeGate struct {
	llm    LLMClient
	model  string
	bias   ScopeBias
	policy CallPolicy
}

// Classify never fails: without an activity, or when the classifier cannot
// produce a usable answer, the question is admitted.
func (g *ScopeGate) Classify(ctx context.Context, question string, activity *domain.ActivityContext) domain.ScopeDecision {
	if activity == nil {
		return domain.Admitted{Why: reasonNoActivity}
	}

	temperature := 0.0
	raw, err := call(ctx, g.policy, func(ctx context.Context) (string, error) {
		return g.llm.Chat(ctx, openai.ChatRequest{
			Model:       g.model,
			Messages:    buildScopeMessages(g.bias, activity, question),
			Temperature: &temperature,
			Schema:      &scopeDecisionSchema,
		})
	})
	if err != nil {
		logging.FromContext(ctx).Warn("scope classification failed, admitting question",
			zap.String("activity_id", activity.ID), zap.Error(err))
		return domain.Admitted{Why: reasonClassifierFailure}
	}

	decision, err := parseScopeDecision(raw, activity)
	if err != nil {
		logging.FromContext(ctx).Warn("scope classification unparseable, admitting question",
			zap.String("activity_id", activity.ID), zap.Error(err))
		return domain.Admitted{Why: reasonClassifierFailure}
	}
	return decision
}

func buildScopeMessages(bias ScopeBias, activity *domain.ActivityContext, question string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: scopePolicyPrompt(bias)},
		{Role: domain.RoleUser, Content: scopeClassificationInput(activity, question)},
	}
}

func scopePolicyPrompt(bias ScopeBias) string {
	tieBreak := "When in doubt, admit the question. Reject only when there is clearly no connection."
	if bias == BiasBalanced {
		tieBreak = "Admit the question only when its connection to the activity is clear. " +
			"Reject it when the connection is speculative."
	}
	return strings.Join([]string{
		"Role:",
		"You decide whether a student's question belongs to the learning activity they are working on.",
		"",
		"Admit questions with a plausible connection to:",
		"- the subject of the activity",
		"- basic prerequisite concepts it relies on",
		"- terminology used in the activity",
		"- tools, languages or libraries named in the activity",
		"- how to approach or structure a solution",
		"",
		"Reject questions that are:",
		"- about an unrelated subject",
		"- administrative or personal (schedules, lunch, private matters)",
		"- entirely off-topic chatter",
		"",
		tieBreak,
		"",
		"Output Contract:",
		"Return JSON only with keys in_scope (boolean), reason (short string) and redirect_message (string). " +
			"When rejecting, redirect_message is a friendly sentence steering the student back to the activity. " +
			"When admitting, redirect_message is \"\".",
	}, "\n")
}

func scopeClassificationInput(activity *domain.ActivityContext, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Activity title: %s\n", normalizePromptInput(activity.Title))
	if activity.Type != "" {
		fmt.Fprintf(&b, "Activity type: %s\n", normalizePromptInput(activity.Type))
	}
	if activity.Description != "" {
		fmt.Fprintf(&b, "Activity description: %s\n", normalizePromptInput(activity.Description))
	}
	if excerpt := contentExcerpt(activity.Content, scopeExcerptRunes); excerpt != "" {
		fmt.Fprintf(&b, "Activity content excerpt: %s\n", excerpt)
	}
	fmt.Fprintf(&b, "\nStudent question: %s", strings.TrimSpace(question))
	return b.String()
}

// scopeExcerptRunes caps how much activity content the classifier sees.
const scopeExcerptRunes = 600

// contentExcerpt collapses whitespace and cuts s to at most n runes, marking
// a cut with an ellipsis.
func contentExcerpt(s string, n int) string {
	s = normalizePromptInput(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

func parseScopeDecision(raw string, activity *domain.ActivityContext) (domain.ScopeDecision, error) {
	var out scopeDecisionResponse
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("usecase: decode scope decision: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("usecase: decode scope decision: multiple JSON values")
		}
		return nil, fmt.Errorf("usecase: decode scope decision trailing data: %w", err)
	}

	reason := strings.TrimSpace(out.Reason)
	if out.InScope {
		return domain.Admitted{Why: reason}, nil
	}
	redirect := strings.TrimSpace(out.RedirectMessage)
	if redirect == "" {
		redirect = defaultRedirect(activity)
	}
	return domain.Rejected{Why: reason, Redirect: redirect}, nil
}

func defaultRedirect(activity *domain.ActivityContext) string {
	return fmt.Sprintf("That question doesn't seem related to %q. "+
		"Let's get back to the activity: which part of it are you working on right now?", activity.Title)
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
