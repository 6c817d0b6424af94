// Package profile loads a user's session snapshot and renders it into the
// system prompt that steers the generative oracle.
//
// It also hosts the issue-inference heuristic that seeds the primary-issue
// field from the user's own description of their difficulty. The heuristic is
// pure over its inputs so it stays trivially testable; persistence is the
// caller's concern.
package profile

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chatspeak/chatspeak/internal/assess"
	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
)

// Snapshot bundles the three per-user documents needed to compose a prompt.
// Absent documents decode to their zero values, which are the documented
// first-access defaults.
type Snapshot struct {
	Memory     therapy.UserMemory
	Progress   therapy.ProgressMetrics
	Assessment therapy.AssessmentRecord
}

// Loader reads snapshots from the document store.
type Loader struct {
	store store.Store
}

// NewLoader creates a [Loader] backed by s.
func NewLoader(s store.Store) *Loader {
	return &Loader{store: s}
}

// Load fetches the user's memory, progress, and assessment documents in
// parallel. A missing document yields its zero value rather than an error.
func (l *Loader) Load(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		raw, err := l.store.Get(ctx, userID, store.KindMemory)
		if err != nil {
			return fmt.Errorf("profile: load memory: %w", err)
		}
		return store.DecodeInto(raw, &snap.Memory)
	})
	g.Go(func() error {
		raw, err := l.store.Get(ctx, userID, store.KindProgress)
		if err != nil {
			return fmt.Errorf("profile: load progress: %w", err)
		}
		return store.DecodeInto(raw, &snap.Progress)
	})
	g.Go(func() error {
		raw, err := l.store.Get(ctx, userID, store.KindAssessment)
		if err != nil {
			return fmt.Errorf("profile: load assessment: %w", err)
		}
		return store.DecodeInto(raw, &snap.Assessment)
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// orElse substitutes fallback for an empty value in the rendered profile.
func orElse(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func joinOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return strings.Join(values, ", ")
}

// Compose renders the system prompt for one turn. The profile and progress
// blocks are always present; the severity block appears once at least one
// assessment has been recorded, and improvement (when non-nil and positive)
// adds an explicit celebration directive.
func Compose(snap Snapshot, improvement *assess.Improvement) string {
	var b strings.Builder

	b.WriteString("You are an adaptive dysarthria speech therapy assistant with memory of the user's journey.\n\n")

	mem := snap.Memory
	b.WriteString("USER PROFILE:\n")
	fmt.Fprintf(&b, "- Primary Issue: %s\n", orElse(mem.PrimaryIssue, "Not yet identified"))
	fmt.Fprintf(&b, "- Difficulty Level: %s\n", mem.Difficulty())
	fmt.Fprintf(&b, "- Specific Sound Challenges: %s\n", joinOr(mem.SpecificSounds, "none identified"))
	fmt.Fprintf(&b, "- Recent Practice Words: %s\n", joinOr(mem.LastWords, "none"))
	fmt.Fprintf(&b, "- Last Exercise Type: %s\n", orElse(mem.LastExercise, "none"))

	prog := snap.Progress
	challenging := prog.ChallengingWords
	if len(challenging) > 5 {
		challenging = challenging[:5]
	}
	b.WriteString("\nPROGRESS SUMMARY:\n")
	fmt.Fprintf(&b, "- Total Sessions: %d\n", prog.TotalSessions)
	fmt.Fprintf(&b, "- Success Rate: %d%%\n", prog.SuccessRate())
	fmt.Fprintf(&b, "- Challenging Words: %s\n", joinOr(challenging, "none"))
	fmt.Fprintf(&b, "- Recently Improved: %s\n", joinOr(prog.ImprovedSounds, "building baseline"))

	if cur := snap.Assessment.Current; cur != nil {
		baseline := "unknown"
		if snap.Assessment.Baseline != nil {
			baseline = string(snap.Assessment.Baseline.Severity)
		}
		b.WriteString("\nSEVERITY ASSESSMENT:\n")
		fmt.Fprintf(&b, "- Current Severity: %s\n", orElse(string(cur.Severity), "unknown"))
		fmt.Fprintf(&b, "- Confidence: %.1f%%\n", cur.Confidence*100)
		fmt.Fprintf(&b, "- Baseline Severity: %s\n", baseline)
		if improvement != nil && improvement.Improved {
			fmt.Fprintf(&b, "- RECENT IMPROVEMENT: %s\n", improvement.Message)
		}
	}

	b.WriteString("\nINSTRUCTIONS:\n")
	b.WriteString("1. Use the user's profile to personalize exercises and difficulty\n")
	b.WriteString("2. If this is early interaction, ask about their specific speech challenges\n")
	b.WriteString("3. Build on previous exercises - reference what they practiced before\n")
	b.WriteString("4. Adjust difficulty based on success rate (if <60%, simplify; if >80%, advance)\n")
	if snap.Assessment.Current != nil {
		b.WriteString("5. Use the severity level to adjust exercise difficulty:\n")
		b.WriteString("   - Mild: Challenging multi-syllable words and complex phrases\n")
		b.WriteString("   - Moderate: Simple words with target sounds, 2-3 syllable words\n")
		b.WriteString("   - Severe: Single syllables, isolated sounds, basic articulation\n")
	} else {
		b.WriteString("5. Celebrate milestones and improvements you notice\n")
	}
	b.WriteString("6. Keep responses friendly, encouraging, and actionable\n")
	b.WriteString("7. No markdown formatting - plain text only\n")

	b.WriteString("\nWhen suggesting practice words:\n")
	b.WriteString("- Start with sounds related to their primary issue\n")
	b.WriteString("- Consider their difficulty level\n")
	b.WriteString("- Build on words they've practiced before\n")
	b.WriteString("- Introduce variety while maintaining focus\n")

	if improvement != nil && improvement.Improved {
		b.WriteString("\nIMPORTANT: The user just showed improvement! Make sure to celebrate this achievement in your response.\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// problemKeywords signal that the user is describing their own speech
// difficulty rather than asking a general question.
var problemKeywords = []string{"problem", "trouble", "difficulty", "can't say", "struggle", "hard to"}

// soundPattern matches isolated consonant mentions ("s", "th") and the
// "s-sound" phrasing.
var soundPattern = regexp.MustCompile(`(?i)\b[srlth]+\b|\b[srlth]-sound\b`)

// InferIssue inspects one user utterance and, when the user is describing a
// speech difficulty and no primary issue has been recorded yet, fills in
// mem.SpecificSounds and mem.PrimaryIssue. It reports whether mem changed.
// The primary issue is set at most once; later descriptions never overwrite
// it.
func InferIssue(mem *therapy.UserMemory, text string) bool {
	if mem.PrimaryIssue != "" {
		return false
	}
	lower := strings.ToLower(text)
	described := false
	for _, kw := range problemKeywords {
		if strings.Contains(lower, kw) {
			described = true
			break
		}
	}
	if !described {
		return false
	}

	matches := soundPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return false
	}

	seen := make(map[string]struct{})
	var sounds []string
	for _, m := range matches {
		s := strings.TrimSuffix(strings.ToLower(m), "-sound")
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		sounds = append(sounds, s)
	}

	mem.SpecificSounds = sounds
	mem.PrimaryIssue = fmt.Sprintf("Difficulty with %s sounds", strings.Join(sounds, ", "))
	return true
}
