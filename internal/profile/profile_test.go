package profile

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/chatspeak/chatspeak/internal/assess"
	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
)

func TestLoader_DefaultsForFreshUser(t *testing.T) {
	l := NewLoader(store.NewMemStore())

	snap, err := l.Load(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Memory.Difficulty() != therapy.DifficultyBeginner {
		t.Errorf("difficulty = %s, want beginner default", snap.Memory.Difficulty())
	}
	if snap.Progress.TotalSessions != 0 || snap.Progress.SuccessRate() != 0 {
		t.Errorf("progress not zero-valued: %+v", snap.Progress)
	}
	if snap.Assessment.Baseline != nil {
		t.Errorf("assessment baseline = %+v, want nil", snap.Assessment.Baseline)
	}
}

func TestLoader_ReadsStoredDocuments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	if err := s.MergeSet(ctx, "u1", store.KindMemory, store.Patch{"primaryIssue": "Difficulty with r sounds"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeSet(ctx, "u1", store.KindProgress, store.Patch{"totalSessions": 7, "successfulAttempts": 3}); err != nil {
		t.Fatal(err)
	}

	snap, err := NewLoader(s).Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Memory.PrimaryIssue != "Difficulty with r sounds" {
		t.Errorf("primaryIssue = %q", snap.Memory.PrimaryIssue)
	}
	if snap.Progress.SuccessRate() != 43 {
		t.Errorf("success rate = %d, want 43", snap.Progress.SuccessRate())
	}
}

func TestCompose_FreshUser(t *testing.T) {
	prompt := Compose(Snapshot{}, nil)

	for _, want := range []string{
		"USER PROFILE:",
		"- Primary Issue: Not yet identified",
		"- Difficulty Level: beginner",
		"PROGRESS SUMMARY:",
		"- Success Rate: 0%",
		"- Recently Improved: building baseline",
		"No markdown formatting",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "SEVERITY ASSESSMENT:") {
		t.Error("severity block rendered without any assessment")
	}
}

func TestCompose_SeverityBlockAndCelebration(t *testing.T) {
	snap := Snapshot{
		Memory: therapy.UserMemory{
			PrimaryIssue:   "Difficulty with s sounds",
			SpecificSounds: []string{"s"},
			LastWords:      []string{"sun", "sea"},
			LastExercise:   "word_drill",
		},
		Progress: therapy.ProgressMetrics{
			TotalSessions:      10,
			SuccessfulAttempts: 9,
			ChallengingWords:   []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7"},
		},
		Assessment: therapy.AssessmentRecord{
			Current:  &therapy.AssessmentEntry{Severity: therapy.SeverityMild, Confidence: 0.55, Timestamp: time.Now()},
			Baseline: &therapy.AssessmentEntry{Severity: therapy.SeveritySevere, Confidence: 0.85},
		},
	}
	improvement := &assess.Improvement{Improved: true, Message: "Your severity improved from severe to mild! Great progress!"}

	prompt := Compose(snap, improvement)
	for _, want := range []string{
		"SEVERITY ASSESSMENT:",
		"- Current Severity: mild",
		"- Confidence: 55.0%",
		"- Baseline Severity: severe",
		"RECENT IMPROVEMENT: Your severity improved from severe to mild! Great progress!",
		"celebrate this achievement",
		"- Severe: Single syllables, isolated sounds, basic articulation",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	// Challenging words are capped at five in the rendered summary.
	if strings.Contains(prompt, "w6") {
		t.Error("more than five challenging words rendered")
	}
}

func TestInferIssue(t *testing.T) {
	tests := []struct {
		name        string
		mem         therapy.UserMemory
		text        string
		wantChanged bool
		wantIssue   string
		wantSounds  []string
	}{
		{
			name:        "problem description with sounds",
			text:        "I have trouble with s and th sounds",
			wantChanged: true,
			wantIssue:   "Difficulty with s, th sounds",
			wantSounds:  []string{"s", "th"},
		},
		{
			name:        "hyphenated sound phrasing",
			text:        "My problem is the r-sound",
			wantChanged: true,
			wantIssue:   "Difficulty with r sounds",
			wantSounds:  []string{"r"},
		},
		{
			name:        "duplicates collapse",
			text:        "I struggle with s, s and S again",
			wantChanged: true,
			wantIssue:   "Difficulty with s sounds",
			wantSounds:  []string{"s"},
		},
		{
			name:        "no problem keyword",
			text:        "give me words with s please",
			wantChanged: false,
		},
		{
			name:        "keyword but no sound mention",
			text:        "I have difficulty speaking clearly",
			wantChanged: false,
		},
		{
			name:        "existing issue never overwritten",
			mem:         therapy.UserMemory{PrimaryIssue: "Difficulty with r sounds"},
			text:        "I have trouble with s",
			wantChanged: false,
			wantIssue:   "Difficulty with r sounds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := tt.mem
			if got := InferIssue(&mem, tt.text); got != tt.wantChanged {
				t.Fatalf("InferIssue() = %v, want %v (mem %+v)", got, tt.wantChanged, mem)
			}
			if tt.wantIssue != "" && mem.PrimaryIssue != tt.wantIssue {
				t.Errorf("primaryIssue = %q, want %q", mem.PrimaryIssue, tt.wantIssue)
			}
			if tt.wantSounds != nil && !reflect.DeepEqual(mem.SpecificSounds, tt.wantSounds) {
				t.Errorf("specificSounds = %v, want %v", mem.SpecificSounds, tt.wantSounds)
			}
		})
	}
}
