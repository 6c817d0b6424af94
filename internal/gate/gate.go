// Package gate classifies whether a user prompt is in scope for the
// dysarthria assistant before any state is touched.
//
// Classification delegates to a language-model oracle with a fixed few-shot
// exemplar set and a system instruction demanding JSON-only output. Because
// the oracle cannot be trusted to honor that contract, parsing is layered:
// structured parse from the first '{' onward, then a lexical heuristic over
// the raw text, then a hard uncertain verdict. Oracle errors never propagate;
// they collapse to an uncertain verdict with zero confidence, which the
// caller's threshold converts into a rejection.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chatspeak/chatspeak/pkg/provider/llm"
)

// Label is the scope classification of one user prompt.
type Label string

const (
	LabelAllowed    Label = "allowed"
	LabelDisallowed Label = "disallowed"
	LabelUncertain  Label = "uncertain"
)

// ConfidenceThreshold is the minimum confidence at which an uncertain verdict
// is still let through. This is a hard threshold, not tunable per user.
const ConfidenceThreshold = 0.7

const maxReasonLen = 200

// Verdict is the gate's decision for one prompt.
type Verdict struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Rejected reports whether the turn must be refused: disallowed outright, or
// uncertain below [ConfidenceThreshold].
func (v Verdict) Rejected() bool {
	if v.Label == LabelDisallowed {
		return true
	}
	return v.Label == LabelUncertain && v.Confidence < ConfidenceThreshold
}

// fewShot pairs example prompts with their expected label. The set spans
// educational questions, practice requests, and clearly off-topic prompts.
var fewShot = []struct {
	prompt string
	label  Label
}{
	{"Why is the /s/ sound hard for someone with dysarthria?", LabelAllowed},
	{"I can't pronounce R clearly, what can I do?", LabelAllowed},
	{"Give me 10 /s/ words to practice", LabelAllowed},
	{"Provide simple phrases to practice loudness", LabelAllowed},
	{"What is dysarthria and what causes it?", LabelAllowed},
	{"What is React?", LabelDisallowed},
	{"Write me JavaScript code", LabelDisallowed},
	{"How do I hack a WiFi password?", LabelDisallowed},
}

const systemInstruction = `You are a classification model.
Your job is ONLY to decide whether a user prompt is related to dysarthria or not.

Allowed = speech therapy, dysarthria, articulation, pronunciation practice.
Disallowed = coding, finance, tech, hacking, general medical unrelated topics.

Return ONLY JSON using this format:
{
  "label": "allowed" | "disallowed" | "uncertain",
  "confidence": number,
  "reason": "short explanation"
}

DO NOT give therapy instructions.
DO NOT shorten or rewrite the user's prompt.
DO NOT return anything except JSON.`

// Gate classifies prompts through a language-model oracle.
type Gate struct {
	provider llm.Provider
}

// New creates a [Gate] backed by p.
func New(p llm.Provider) *Gate {
	return &Gate{provider: p}
}

// Classify labels prompt as allowed, disallowed, or uncertain. It never
// returns an error: oracle failures yield an uncertain verdict with zero
// confidence so the caller's threshold rejects the turn.
func (g *Gate) Classify(ctx context.Context, prompt string) Verdict {
	messages := make([]llm.Message, 0, 2*len(fewShot)+1)
	for _, ex := range fewShot {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("Example prompt: %q", ex.prompt)},
			llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("Label: %s", ex.label)},
		)
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Classify this prompt: %q", prompt),
	})

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemInstruction,
		Messages:     messages,
	})
	if err != nil {
		return Verdict{Label: LabelUncertain, Confidence: 0.0, Reason: "internal classifier error"}
	}
	return Parse(resp.Content)
}

// Parse turns raw oracle output into a [Verdict]. Exported for reuse by
// tests and any future offline classifier.
func Parse(raw string) Verdict {
	raw = strings.TrimSpace(raw)

	jsonString := raw
	if start := strings.Index(raw, "{"); start >= 0 {
		jsonString = raw[start:]
	}

	var parsed struct {
		Label      string      `json:"label"`
		Confidence json.Number `json:"confidence"`
		Score      json.Number `json:"score"`
		Reason     string      `json:"reason"`
	}
	if err := json.Unmarshal([]byte(jsonString), &parsed); err != nil {
		return lexicalFallback(raw)
	}

	var label Label
	switch strings.ToLower(parsed.Label) {
	case "allowed":
		label = LabelAllowed
	case "disallowed":
		label = LabelDisallowed
	default:
		label = LabelUncertain
	}

	confidence, _ := parsed.Confidence.Float64()
	if confidence == 0 {
		confidence, _ = parsed.Score.Float64()
	}
	if confidence <= 0 || confidence > 1 {
		switch label {
		case LabelAllowed, LabelDisallowed:
			confidence = 0.8
		default:
			confidence = 0.5
		}
	}

	reason := parsed.Reason
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}

	return Verdict{Label: label, Confidence: confidence, Reason: reason}
}

// lexicalFallback scans non-JSON output for label wording. The allowed check
// runs first, so text containing "disallowed" also matches it.
func lexicalFallback(raw string) Verdict {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "allowed") {
		return Verdict{Label: LabelAllowed, Confidence: 0.6, Reason: "heuristic fallback (contains allowed wording)"}
	}
	if strings.Contains(lower, "disallowed") || strings.Contains(lower, "not about dysarthria") {
		return Verdict{Label: LabelDisallowed, Confidence: 0.6, Reason: "heuristic fallback (contains disallowed wording)"}
	}
	return Verdict{Label: LabelUncertain, Confidence: 0.3, Reason: "Could not parse classifier output"}
}
