package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
	"github.com/chatspeak/chatspeak/pkg/provider/llm"
	llmmock "github.com/chatspeak/chatspeak/pkg/provider/llm/mock"
	"github.com/chatspeak/chatspeak/pkg/provider/severity"
	sevmock "github.com/chatspeak/chatspeak/pkg/provider/severity/mock"
	sttmock "github.com/chatspeak/chatspeak/pkg/provider/stt/mock"
)

const (
	testUser = "user-1"
	testChat = "chat-1"
)

// scriptedLLM returns a provider that answers gate classification requests
// with verdict and everything else with reply.
func scriptedLLM(verdict, reply string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.SystemPrompt, "classification model") {
				return &llm.CompletionResponse{Content: verdict}, nil
			}
			return &llm.CompletionResponse{Content: reply}, nil
		},
	}
}

func allowedVerdict() string {
	return `{"label": "allowed", "confidence": 0.95, "reason": "speech therapy"}`
}

func newTestEngine(deps Deps) (*Engine, *store.MemStore) {
	st := store.NewMemStore()
	deps.Store = st
	return New(deps), st
}

func loadProgress(t *testing.T, st *store.MemStore, userID string) therapy.ProgressMetrics {
	t.Helper()
	raw, err := st.Get(context.Background(), userID, store.KindProgress)
	if err != nil {
		t.Fatalf("Get progress: %v", err)
	}
	var prog therapy.ProgressMetrics
	if err := store.DecodeInto(raw, &prog); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	return prog
}

func TestTextTurn_AssignsPracticeWords(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Here are some good words for your s sound practice:\n1. sun\n2. sip\n3. see")
	eng, st := newTestEngine(Deps{LLM: provider})

	result, err := eng.TextTurn(context.Background(), testUser, testChat, "I have trouble with my s sounds")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}

	if result.Rejected {
		t.Fatal("turn rejected, want allowed")
	}
	if !strings.Contains(result.Reply, "s sound practice") {
		t.Errorf("reply = %q", result.Reply)
	}
	want := []string{"sun", "sip", "see"}
	if len(result.PracticeWords) != len(want) {
		t.Fatalf("practice words = %v, want %v", result.PracticeWords, want)
	}
	for i, w := range want {
		if result.PracticeWords[i] != w {
			t.Errorf("word[%d] = %q, want %q", i, result.PracticeWords[i], w)
		}
	}
	if !result.SessionCounted {
		t.Error("session not counted for a word-assigning turn")
	}

	prog := loadProgress(t, st, testUser)
	if prog.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", prog.TotalSessions)
	}

	msgs, err := st.Messages(context.Background(), testUser, testChat, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("chat log has %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != "user" || msgs[1].Sender != "assistant" {
		t.Errorf("senders = %q, %q", msgs[0].Sender, msgs[1].Sender)
	}
}

func TestTextTurn_InfersPrimaryIssue(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Good, let's work on that.")
	eng, st := newTestEngine(Deps{LLM: provider})

	_, err := eng.TextTurn(context.Background(), testUser, testChat, "I have trouble with s and th")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}

	raw, err := st.Get(context.Background(), testUser, store.KindMemory)
	if err != nil {
		t.Fatal(err)
	}
	var mem therapy.UserMemory
	if err := store.DecodeInto(raw, &mem); err != nil {
		t.Fatal(err)
	}
	if mem.PrimaryIssue != "Difficulty with s, th sounds" {
		t.Errorf("PrimaryIssue = %q", mem.PrimaryIssue)
	}
}

func TestTextTurn_RejectedLeavesStateUntouched(t *testing.T) {
	provider := scriptedLLM(`{"label": "disallowed", "confidence": 0.9, "reason": "coding"}`, "should never be asked")
	eng, st := newTestEngine(Deps{LLM: provider})

	result, err := eng.TextTurn(context.Background(), testUser, testChat, "Write me JavaScript code")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}

	if !result.Rejected {
		t.Fatal("turn not rejected")
	}
	if result.Reply != "Your question is outside the assistant's scope. Try asking about dysarthria pronunciation or speech practice." {
		t.Errorf("reply = %q", result.Reply)
	}
	// Only the gate call went to the oracle.
	if got := provider.CallCount(); got != 1 {
		t.Errorf("oracle calls = %d, want 1", got)
	}

	for _, kind := range []store.Kind{store.KindMemory, store.KindProgress, store.KindAssessment} {
		raw, err := st.Get(context.Background(), testUser, kind)
		if err != nil {
			t.Fatal(err)
		}
		if raw != nil {
			t.Errorf("document %s was written on a rejected turn", kind)
		}
	}
	msgs, _ := st.Messages(context.Background(), testUser, testChat, 0)
	if len(msgs) != 0 {
		t.Errorf("chat log has %d messages, want 0", len(msgs))
	}
}

func TestTextTurn_UncertainLowConfidenceRejected(t *testing.T) {
	provider := scriptedLLM(`{"label": "uncertain", "confidence": 0.5}`, "unused")
	eng, _ := newTestEngine(Deps{LLM: provider})

	result, err := eng.TextTurn(context.Background(), testUser, testChat, "Tell me about speech stuff maybe")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Rejected {
		t.Error("uncertain verdict at 0.5 confidence should be rejected")
	}
}

func TestTextTurn_Validation(t *testing.T) {
	eng, _ := newTestEngine(Deps{LLM: &llmmock.Provider{}})

	tests := []struct {
		name               string
		user, chat, prompt string
	}{
		{"empty user", "", testChat, "hello"},
		{"empty chat", testUser, "", "hello"},
		{"empty prompt", testUser, testChat, "   "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.TextTurn(context.Background(), tc.user, tc.chat, tc.prompt)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestTextTurn_OracleFailureReturnsApology(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.SystemPrompt, "classification model") {
				return &llm.CompletionResponse{Content: allowedVerdict()}, nil
			}
			return nil, errors.New("backend down")
		},
	}
	eng, st := newTestEngine(Deps{LLM: provider})

	result, err := eng.TextTurn(context.Background(), testUser, testChat, "Help me with my r sounds")
	if err != nil {
		t.Fatalf("TextTurn: %v", err)
	}

	if result.Reply != "Sorry, I could not generate a response." {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.SessionCounted {
		t.Error("a failed completion must not count as a session")
	}
	if len(result.PracticeWords) != 0 {
		t.Errorf("practice words = %v, want none", result.PracticeWords)
	}
	// The exchange is still logged so the user sees the apology in history.
	msgs, _ := st.Messages(context.Background(), testUser, testChat, 0)
	if len(msgs) != 2 {
		t.Errorf("chat log has %d messages, want 2", len(msgs))
	}
}

func TestAudioTurn_TranscribesAndAssesses(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Nice work! Try: sun, sip, see")
	transcriber := &sttmock.Transcriber{Transcript: "I struggle with s words"}
	classifier := &sevmock.Classifier{
		Result: &severity.Result{EnsemblePred: 1, EnsembleProb: 0.85},
	}
	eng, st := newTestEngine(Deps{LLM: provider, STT: transcriber, Classifier: classifier})

	result, err := eng.AudioTurn(context.Background(), testUser, testChat, "sess-1", []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("AudioTurn: %v", err)
	}

	if result.Transcript != "I struggle with s words" {
		t.Errorf("transcript = %q", result.Transcript)
	}
	if result.Assessment == nil || result.Assessment.EnsembleProb != 0.85 {
		t.Errorf("assessment = %+v", result.Assessment)
	}
	if result.Improvement == nil {
		t.Fatal("improvement verdict missing")
	}
	// First assessment ever: baseline set, no improvement yet.
	if result.Improvement.Improved {
		t.Error("first assessment reported as improvement")
	}
	if classifier.CallCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", classifier.CallCount())
	}

	raw, err := st.Get(context.Background(), testUser, store.KindAssessment)
	if err != nil {
		t.Fatal(err)
	}
	var rec therapy.AssessmentRecord
	if err := store.DecodeInto(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Baseline == nil || rec.Baseline.Severity != therapy.SeveritySevere {
		t.Errorf("baseline = %+v, want severe", rec.Baseline)
	}
}

func TestAudioTurn_RejectedLogsRefusal(t *testing.T) {
	provider := scriptedLLM(`{"label": "disallowed", "confidence": 0.9, "reason": "coding"}`, "should never be asked")
	transcriber := &sttmock.Transcriber{Transcript: "write me some javascript"}
	eng, st := newTestEngine(Deps{LLM: provider, STT: transcriber})

	result, err := eng.AudioTurn(context.Background(), testUser, testChat, "sess-1", []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("AudioTurn: %v", err)
	}
	if !result.Rejected {
		t.Fatal("turn not rejected")
	}

	// The user spoke, so the transcript and the refusal stay in the chat log.
	msgs, err := st.Messages(context.Background(), testUser, testChat, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("chat log has %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != "user" || msgs[0].Text != "write me some javascript" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Sender != "assistant" || msgs[1].Text != result.Reply {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	// Session accounting and memory stay untouched.
	for _, kind := range []store.Kind{store.KindMemory, store.KindProgress} {
		raw, err := st.Get(context.Background(), testUser, kind)
		if err != nil {
			t.Fatal(err)
		}
		if raw != nil {
			t.Errorf("document %s was written on a rejected turn", kind)
		}
	}
}

func TestAudioTurn_ImprovementCelebrated(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Amazing progress!")
	transcriber := &sttmock.Transcriber{Transcript: "see sun sip"}
	classifier := &sevmock.Classifier{
		Result: &severity.Result{EnsemblePred: 1, EnsembleProb: 0.85},
	}
	eng, _ := newTestEngine(Deps{LLM: provider, STT: transcriber, Classifier: classifier})
	ctx := context.Background()

	// First turn establishes the severe baseline.
	if _, err := eng.AudioTurn(ctx, testUser, testChat, "sess-1", []byte("clip1")); err != nil {
		t.Fatal(err)
	}

	// Second turn drops to moderate.
	classifier.Result = &severity.Result{EnsemblePred: 1, EnsembleProb: 0.65}
	result, err := eng.AudioTurn(ctx, testUser, testChat, "sess-1", []byte("clip2"))
	if err != nil {
		t.Fatal(err)
	}

	if result.Improvement == nil || !result.Improvement.Improved {
		t.Fatalf("improvement = %+v, want improved", result.Improvement)
	}
	if !strings.Contains(result.Improvement.Message, "severity improved from severe to moderate") {
		t.Errorf("message = %q", result.Improvement.Message)
	}
	// The composed system prompt carries the celebration directive.
	last := provider.LastCall()
	if !strings.Contains(last.Req.SystemPrompt, "RECENT IMPROVEMENT") {
		t.Error("system prompt missing improvement line")
	}
	if !strings.Contains(last.Req.SystemPrompt, "celebrate this achievement") {
		t.Error("system prompt missing celebration directive")
	}
}

func TestAudioTurn_EmptyTranscriptAsksForRetry(t *testing.T) {
	provider := &llmmock.Provider{}
	transcriber := &sttmock.Transcriber{Transcript: "   "}
	eng, st := newTestEngine(Deps{LLM: provider, STT: transcriber})

	result, err := eng.AudioTurn(context.Background(), testUser, testChat, "sess-1", []byte("hum"))
	if err != nil {
		t.Fatalf("AudioTurn: %v", err)
	}

	if !strings.Contains(result.Reply, "I heard a sound but couldn't recognize a word") {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.Rejected {
		t.Error("non-verbal audio must not count as a rejection")
	}
	// Neither the gate nor the completion oracle ran.
	if provider.CallCount() != 0 {
		t.Errorf("oracle calls = %d, want 0", provider.CallCount())
	}
	msgs, _ := st.Messages(context.Background(), testUser, testChat, 0)
	if len(msgs) != 2 {
		t.Fatalf("chat log has %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "[non-verbal / sound detected]" {
		t.Errorf("logged user message = %q", msgs[0].Text)
	}
}

func TestAudioTurn_ClassifierFailureIsNonFatal(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Keep practicing!")
	transcriber := &sttmock.Transcriber{Transcript: "I have difficulty with r"}
	classifier := &sevmock.Classifier{Err: errors.New("inference service down")}
	eng, _ := newTestEngine(Deps{LLM: provider, STT: transcriber, Classifier: classifier})

	result, err := eng.AudioTurn(context.Background(), testUser, testChat, "sess-1", []byte("clip"))
	if err != nil {
		t.Fatalf("AudioTurn: %v", err)
	}
	if result.Assessment != nil {
		t.Errorf("assessment = %+v, want nil", result.Assessment)
	}
	if result.Improvement != nil {
		t.Errorf("improvement = %+v, want nil", result.Improvement)
	}
	if !strings.Contains(result.Reply, "Keep practicing") {
		t.Errorf("reply = %q", result.Reply)
	}
}

func TestAudioTurn_TranscriptionFailureFailsTurn(t *testing.T) {
	provider := &llmmock.Provider{}
	transcriber := &sttmock.Transcriber{Err: errors.New("upstream 500")}
	eng, _ := newTestEngine(Deps{LLM: provider, STT: transcriber})

	_, err := eng.AudioTurn(context.Background(), testUser, testChat, "sess-1", []byte("clip"))
	if err == nil {
		t.Fatal("expected error when transcription fails")
	}
}

func TestAudioTurn_NoTranscriberConfigured(t *testing.T) {
	eng, _ := newTestEngine(Deps{LLM: &llmmock.Provider{}})
	_, err := eng.AudioTurn(context.Background(), testUser, testChat, "sess-1", []byte("clip"))
	if err == nil {
		t.Fatal("expected error without a transcriber")
	}
}

func TestConfirmPractice_MatchRecorded(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Practice these:\n1. sun\n2. sip")
	transcriber := &sttmock.Transcriber{Transcript: "sun"}
	eng, st := newTestEngine(Deps{LLM: provider, STT: transcriber})
	ctx := context.Background()

	// Assign words through a normal turn first.
	if _, err := eng.TextTurn(ctx, testUser, testChat, "I have trouble with s sounds"); err != nil {
		t.Fatal(err)
	}

	result, transcript, err := eng.ConfirmPractice(ctx, testUser, []byte("clip"))
	if err != nil {
		t.Fatalf("ConfirmPractice: %v", err)
	}
	if transcript != "sun" {
		t.Errorf("transcript = %q", transcript)
	}
	if !result.Matched || result.Word != "sun" {
		t.Errorf("result = %+v, want match on sun", result)
	}

	prog := loadProgress(t, st, testUser)
	if prog.SuccessfulAttempts != 1 {
		t.Errorf("SuccessfulAttempts = %d, want 1", prog.SuccessfulAttempts)
	}
}

func TestConfirmPractice_EmptyTranscript(t *testing.T) {
	eng, _ := newTestEngine(Deps{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Transcriber{Transcript: ""},
	})

	result, transcript, err := eng.ConfirmPractice(context.Background(), testUser, []byte("hum"))
	if err != nil {
		t.Fatalf("ConfirmPractice: %v", err)
	}
	if result.Matched || transcript != "" {
		t.Errorf("result = %+v transcript = %q, want unmatched empty", result, transcript)
	}
}

func TestProfile_FreshUserDefaults(t *testing.T) {
	eng, _ := newTestEngine(Deps{LLM: &llmmock.Provider{}})

	snap, err := eng.Profile(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if snap.Memory.Difficulty() != therapy.DifficultyBeginner {
		t.Errorf("difficulty = %q, want beginner", snap.Memory.Difficulty())
	}
	if snap.Progress.TotalSessions != 0 {
		t.Errorf("TotalSessions = %d, want 0", snap.Progress.TotalSessions)
	}
}

func TestMilestoneFiresOnFifthSession(t *testing.T) {
	provider := scriptedLLM(allowedVerdict(), "Try: cat, hat, mat")
	eng, _ := newTestEngine(Deps{LLM: provider})
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		result, err := eng.TextTurn(ctx, testUser, testChat, "More practice words please")
		if err != nil {
			t.Fatal(err)
		}
		want := i == 5
		if result.MilestoneFired != want {
			t.Errorf("turn %d: MilestoneFired = %v, want %v", i, result.MilestoneFired, want)
		}
	}
}
