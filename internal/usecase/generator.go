package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"tutor-agent/internal/domain"
	"tutor-agent/internal/integrations/openai"
)

const (
	generationTemperature = 0.7
	generationMaxTokens   = 800
	defaultHistoryWindow  = 10
)

var directAnswerPattern = regexp.MustCompile(`(?i)(give|tell|show) me the (exact |final |full |complete )?(answer|solution|code)|` +
	`just (tell|give) me|final answer|(solve|do) (it|this|that) for me|write the (code|solution|answer) for me|` +
	`what('s| is) the answer`)

// Generator produces the guided answer for an admitted question.
type Generator struct {
	llm           LLMClient
	model         string
	historyWindow int
	policy        CallPolicy
}

type generateInput struct {
	question string
	chunks   []domain.RetrievedChunk
	activity *domain.ActivityContext
	history  []domain.ConversationTurn
}

// Generate returns the answer and the distinct source labels of the passages
// placed in the prompt.
func (g *Generator) Generate(ctx context.Context, in generateInput) (string, []string, error) {
	temperature := generationTemperature
	answer, err := call(ctx, g.policy, func(ctx context.Context) (string, error) {
		return g.llm.Chat(ctx, openai.ChatRequest{
			Model:       g.model,
			Messages:    buildTutorMessages(in, g.historyWindow),
			Temperature: &temperature,
			MaxTokens:   generationMaxTokens,
		})
	})
	if err != nil {
		return "", nil, fmt.Errorf("usecase: generate answer: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", nil, errors.New("usecase: generate answer: empty completion")
	}
	return answer, domain.SourceLabels(in.chunks), nil
}

func buildTutorMessages(in generateInput, window int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildTeachingPolicyPrompt()},
		{Role: domain.RoleSystem, Content: buildGroundingPrompt(in.activity, in.chunks)},
	}
	for _, turn := range recentTurns(in.history, window) {
		messages = append(messages, domain.ChatMessage{Role: turn.Role, Content: strings.TrimSpace(turn.Content)})
	}

	question := strings.TrimSpace(in.question)
	if isDirectAnswerRequest(question) {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: directAnswerReminder})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: question})
	return messages
}

const directAnswerReminder = "The student is asking for the answer outright. Do not provide it. " +
	"Acknowledge the request, then respond with a guiding question that moves them one step closer on their own."

func buildTeachingPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a Socratic tutor helping a student work through course material.",
		"",
		"Teaching Rules (non-negotiable):",
		"1) Never state the final answer or the complete solution to an exercise.",
		"2) Ask guiding questions that lead the student toward the answer.",
		"3) Break problems into smaller steps and tackle one step at a time.",
		"4) Explain concepts instead of solving the exercise.",
		"5) When an example helps, use one that is similar but not identical to the exercise.",
		"6) If the student asks for the answer directly, redirect the request into a guiding question.",
		"7) Acknowledge correct partial reasoning before moving on.",
		"8) When you use the course material, cite its source label.",
		"9) If the course material does not cover the question, say so honestly and offer to reason about the related concept.",
	}, "\n")
}

// buildGroundingPrompt renders grounding instructions, activity metadata and
// passages in that order.
func buildGroundingPrompt(activity *domain.ActivityContext, chunks []domain.RetrievedChunk) string {
	var b strings.Builder
	b.WriteString("Grounding:\n")
	b.WriteString("Base your guidance on the activity and course material below. ")
	b.WriteString("Do not invent material that is not listed.\n")

	b.WriteString("\nActivity:\n")
	if activity == nil {
		b.WriteString("No activity selected.\n")
	} else {
		fmt.Fprintf(&b, "Title: %s\n", normalizePromptInput(activity.Title))
		if activity.Type != "" {
			fmt.Fprintf(&b, "Type: %s\n", normalizePromptInput(activity.Type))
		}
		if activity.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", normalizePromptInput(activity.Description))
		}
		if activity.Content != "" {
			fmt.Fprintf(&b, "Instructions:\n%s\n", strings.TrimSpace(activity.Content))
		}
	}

	b.WriteString("\nCourse Material:\n")
	if len(chunks) == 0 {
		b.WriteString("No matching course material was found for this question.\n")
	}
	for _, c := range chunks {
		label := c.Source
		if label == "" {
			label = "unlabeled"
		}
		fmt.Fprintf(&b, "[Source: %s]\n%s\n\n", label, strings.TrimSpace(c.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// recentTurns keeps the last window turns, oldest first.
func recentTurns(history []domain.ConversationTurn, window int) []domain.ConversationTurn {
	if window <= 0 {
		return nil
	}
	if len(history) > window {
		return history[len(history)-window:]
	}
	return history
}

func isDirectAnswerRequest(question string) bool {
	return directAnswerPattern.MatchString(question)
}
