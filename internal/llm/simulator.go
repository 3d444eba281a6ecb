package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/models"
)

// Outcome result kinds for NextMessage.
const (
	OutcomeReply        = "reply"
	OutcomeGoalAchieved = "goal_achieved"
	OutcomeGoalFailed   = "goal_failed"
)

// Outcome is the simulator's move after reading an agent reply: either the
// next customer utterance, or a declaration that the goal is achieved or
// unreachable.
type Outcome struct {
	Kind   string
	Text   string // customer utterance when Kind == OutcomeReply
	Reason string // explanation when the goal is declared achieved or failed
}

// Judgment is the should-the-conversation-continue verdict.
type Judgment struct {
	Continue   bool   `json:"continue"`
	Reason     string `json:"reason"`
	Assessment string `json:"assessment"`
}

const (
	casualSystemPrompt = "You are a real customer writing casual, natural chat messages. " +
		"Write like you text - short, informal, human. No AI or corporate speak."
	replySystemPrompt = "You are a real customer texting casually. Write short, natural " +
		"messages like people actually chat. No formal language or AI speak."
	judgeSystemPrompt = "You are an expert at evaluating AI conversation quality and goal " +
		"achievement. Always respond with valid JSON."
	analyzeSystemPrompt = "You are an expert at analyzing AI agent conversations. Always " +
		"respond with valid JSON."
)

// shortTranscriptLimit bounds the continue-by-default fallback when the
// judgment call itself fails.
const shortTranscriptLimit = 8

// Simulator drives the customer side of a conversation with a language
// model. One Simulator serves many concurrent conversations; per-session
// state (the persona) is passed in by the caller.
type Simulator struct {
	completer   Completer
	temperature float32
	logger      *zap.Logger
}

func NewSimulator(completer Completer, temperature float64, logger *zap.Logger) *Simulator {
	if temperature <= 0 {
		temperature = 0.8
	}
	return &Simulator{
		completer:   completer,
		temperature: float32(temperature),
		logger:      logger,
	}
}

// InitialMessage writes the customer's opening message for a goal.
func (s *Simulator) InitialMessage(ctx context.Context, goal *models.Goal, persona Persona) (string, error) {
	prompt := fmt.Sprintf(`You are pretending to be a real customer reaching out for help. Write like a normal person would actually text or chat - casual, natural, maybe a bit rushed.

Goal: %s
Description: %s
Steps to work toward: %s

Your customer persona:
- Name: %s
- Email: %s
- Phone: %s
- Order/Account ID: %s
- Company: %s

Use these realistic details naturally in your message if relevant. Don't force them all in, but use what makes sense for the conversation context.

Write your first message like a real customer would. Keep it:
- Short and natural (not formal or AI-like)
- How someone actually talks in chat
- Maybe a bit informal or casual
- Like you're texting a friend who works there
- Use realistic details when they fit naturally

Return only what you'd actually type - no quotes, no explanation.`,
		goal.Name, goal.Description, joinOr(goal.Steps, "Not specified"),
		persona.Name, persona.Email, persona.Phone, persona.OrderID, persona.Company)

	text, err := s.completer.Complete(ctx, CompletionRequest{
		System:      casualSystemPrompt,
		User:        prompt,
		Temperature: s.temperature,
		MaxTokens:   300,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// NextMessage reads the latest agent reply and produces the customer's next
// move. A "GOAL_ACHIEVED:" or "GOAL_FAILED:" prefix in the model output is a
// declaration, not an utterance.
func (s *Simulator) NextMessage(ctx context.Context, goal *models.Goal, persona Persona, transcript []models.Turn, agentReply string) (Outcome, error) {
	prompt := fmt.Sprintf(`You're a real customer continuing a chat conversation. Write like how people actually text - casual, short, natural.

What you're trying to get help with: %s
%s
Steps you might need to take: %s

Your consistent customer persona (use when relevant):
- Name: %s
- Email: %s
- Phone: %s
- Order/Account ID: %s
- Company: %s

Conversation so far:
%s

They just said: %s

Now respond like a real person would. Keep it:
- Short and casual (not formal)
- Natural conversation flow
- How you'd actually text back
- Don't be overly polite or AI-sounding
- Use realistic details from your persona when asked or when it fits naturally
- Stay consistent with the persona details throughout the conversation

If they ask for personal info (name, email, phone, order #), use your realistic data.
If they solved your problem: "GOAL_ACHIEVED: [brief explanation]"
If they clearly can't help after trying: "GOAL_FAILED: [brief explanation]"
Otherwise: Just respond naturally to what they said

Write like you're texting a friend who works there.`,
		goal.Name, goal.Description, joinOr(goal.Steps, "Not specified"),
		persona.Name, persona.Email, persona.Phone, persona.OrderID, persona.Company,
		formatTranscript(transcript), agentReply)

	raw, err := s.completer.Complete(ctx, CompletionRequest{
		System:      replySystemPrompt,
		User:        prompt,
		Temperature: s.temperature,
		MaxTokens:   200,
	})
	if err != nil {
		return Outcome{}, err
	}

	return parseOutcome(raw), nil
}

func parseOutcome(raw string) Outcome {
	text := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(text, "GOAL_ACHIEVED:"):
		return Outcome{
			Kind:   OutcomeGoalAchieved,
			Reason: strings.TrimSpace(strings.TrimPrefix(text, "GOAL_ACHIEVED:")),
		}
	case strings.HasPrefix(text, "GOAL_FAILED:"):
		return Outcome{
			Kind:   OutcomeGoalFailed,
			Reason: strings.TrimSpace(strings.TrimPrefix(text, "GOAL_FAILED:")),
		}
	default:
		return Outcome{Kind: OutcomeReply, Text: text}
	}
}

// ShouldContinue asks whether the conversation is still productive. This
// judgment is advisory: when the call fails, the fallback is to continue
// while the transcript is short rather than abort the session.
func (s *Simulator) ShouldContinue(ctx context.Context, goal *models.Goal, transcript []models.Turn) Judgment {
	recent := transcript
	if len(recent) > 6 {
		recent = recent[len(recent)-6:]
	}

	prompt := fmt.Sprintf(`You are evaluating whether a conversation with a remote AI agent should continue or end.

Goal: %s
Description: %s

Recent Conversation:
%s

Analyze the conversation and determine if it should continue. The conversation should END if any of these conditions are met:
1. The goal has been successfully achieved
2. The AI Agent provided an unhelpful or incorrect response
3. The AI Agent seems confused or unable to help
4. The conversation is going in circles or stuck
5. The AI Agent made an error or gave bad advice
6. The user experience would be considered poor

The conversation should CONTINUE if:
- Progress is being made toward the goal
- The AI Agent is being helpful and responsive
- More steps are needed to complete the goal
- The interaction is positive and productive

Return your evaluation as JSON:
{
  "continue": boolean,
  "reason": "Brief explanation of why to continue or stop",
  "assessment": "positive/negative/neutral - overall interaction quality"
}`,
		goal.Name, goal.Description, formatTranscript(recent))

	raw, err := s.completer.Complete(ctx, CompletionRequest{
		System:      judgeSystemPrompt,
		User:        prompt,
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err == nil {
		var j Judgment
		if derr := decodeTolerantJSON(raw, &j); derr == nil {
			return j
		}
		err = fmt.Errorf("undecodable judgment: %s", raw)
	}

	s.logger.Warn("continue judgment failed, defaulting", zap.Error(err))
	return Judgment{
		Continue:   len(transcript) < shortTranscriptLimit,
		Reason:     "Error in evaluation - defaulting to continue with length limit",
		Assessment: "neutral",
	}
}

type analysisResponse struct {
	GoalAchieved     bool     `json:"goalAchieved"`
	Score            float64  `json:"score"`
	CompletedActions []string `json:"completedActions"`
	Issues           []string `json:"issues"`
	Summary          string   `json:"summary"`
}

// Analyze grades the finished conversation against the goal's validation
// criteria. Unlike ShouldContinue, a failure here is fatal: a session
// without a verdict is not a completed test.
func (s *Simulator) Analyze(ctx context.Context, goal *models.Goal, transcript []models.Turn) (*models.Verdict, error) {
	prompt := fmt.Sprintf(`Analyze if the following conversation successfully achieved the specified goal.

Goal: %s
Description: %s
Validation Criteria: %s

Conversation History:
%s

Analyze the conversation to determine:
1. Was the goal achieved? (true/false)
2. What percentage of validation criteria were met? (0-100)
3. What specific actions were completed?
4. Any issues or failures?

Return your analysis as JSON:
{
  "goalAchieved": boolean,
  "score": number,
  "completedActions": [string],
  "issues": [string],
  "summary": "Brief explanation of results"
}`,
		goal.Name, goal.Description, joinOr(goal.ValidationCriteria, "Not specified"),
		formatTranscript(transcript))

	raw, err := s.completer.Complete(ctx, CompletionRequest{
		System:      analyzeSystemPrompt,
		User:        prompt,
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		return nil, err
	}

	var resp analysisResponse
	if err := decodeTolerantJSON(raw, &resp); err != nil {
		return nil, &ResponseError{Op: "analysis", Err: err}
	}

	if resp.Score < 0 {
		resp.Score = 0
	}
	if resp.Score > 100 {
		resp.Score = 100
	}

	return &models.Verdict{
		GoalAchieved:     resp.GoalAchieved,
		Score:            resp.Score,
		CompletedActions: resp.CompletedActions,
		Issues:           resp.Issues,
		Summary:          resp.Summary,
	}, nil
}

func formatTranscript(turns []models.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Sender, t.Text))
	}
	return strings.Join(lines, "\n")
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}
