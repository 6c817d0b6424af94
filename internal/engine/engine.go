// Package engine orchestrates one conversation turn end to end: scope gating,
// profile loading, prompt composition, oracle calls, and state accumulation.
//
// The engine is transport-agnostic; the HTTP layer in
// [github.com/chatspeak/chatspeak/internal/server] translates requests into
// [Engine.TextTurn], [Engine.AudioTurn], and [Engine.ConfirmPractice] calls.
// Every oracle sits behind an interface so tests run against mocks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatspeak/chatspeak/internal/assess"
	"github.com/chatspeak/chatspeak/internal/extract"
	"github.com/chatspeak/chatspeak/internal/gate"
	"github.com/chatspeak/chatspeak/internal/observe"
	"github.com/chatspeak/chatspeak/internal/practice"
	"github.com/chatspeak/chatspeak/internal/profile"
	"github.com/chatspeak/chatspeak/internal/progress"
	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
	"github.com/chatspeak/chatspeak/pkg/provider/llm"
	"github.com/chatspeak/chatspeak/pkg/provider/severity"
	"github.com/chatspeak/chatspeak/pkg/provider/stt"
)

// Fixed replies used when a turn cannot go through the generative oracle.
const (
	// outOfScopeReply is returned for prompts the gate rejects. The gate's
	// verdict travels alongside so clients can explain the refusal.
	outOfScopeReply = "Your question is outside the assistant's scope. Try asking about dysarthria pronunciation or speech practice."

	// oracleFailureReply is returned when every generative backend failed.
	oracleFailureReply = "Sorry, I could not generate a response."

	// retryReply is returned when an audio turn carried sound but no
	// recognisable words.
	retryReply = "I heard a sound but couldn't recognize a word. Please try saying a target word (for example: 'sip', 'sun', 'see') so I can evaluate your pronunciation."

	// nonVerbalMarker stands in for the user's message in the chat log when
	// transcription produced no words.
	nonVerbalMarker = "[non-verbal / sound detected]"
)

// chatHistoryLimit bounds how much conversation context is replayed to the
// generative oracle per turn.
const chatHistoryLimit = 20

// ValidationError describes a request that failed input validation. The HTTP
// layer maps it to a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TurnResult is the full outcome of one conversation turn.
type TurnResult struct {
	// Reply is the assistant's response text, always non-empty.
	Reply string

	// Transcript is the recognised speech for audio turns, empty for text
	// turns and for non-verbal audio.
	Transcript string

	// Rejected is true when the gate refused the turn. No practice or
	// progress state was mutated in that case.
	Rejected bool

	// Verdict is the gate's classification of the prompt.
	Verdict gate.Verdict

	// PracticeWords lists the words extracted from the reply and assigned
	// for practice.
	PracticeWords []string

	// Assessment is the raw severity classifier output for audio turns,
	// nil when inference was unavailable.
	Assessment *severity.Result

	// Improvement is the verdict against the user's stored baseline, nil
	// when no assessment was recorded this turn.
	Improvement *assess.Improvement

	// SessionCounted and MilestoneFired report what the progress
	// accumulator recorded.
	SessionCounted bool
	MilestoneFired bool
}

// Deps bundles the engine's collaborators. Store and LLM are required; STT
// and Classifier may be nil, disabling audio turns and severity assessment
// respectively. A nil Metrics falls back to [observe.DefaultMetrics].
type Deps struct {
	Store      store.Store
	LLM        llm.Provider
	STT        stt.Transcriber
	Classifier severity.Classifier
	Metrics    *observe.Metrics
}

// Engine runs conversation turns against the session state store.
type Engine struct {
	store       store.Store
	llm         llm.Provider
	stt         stt.Transcriber
	classifier  severity.Classifier
	gate        *gate.Gate
	loader      *profile.Loader
	tracker     *assess.Tracker
	accumulator *progress.Accumulator
	confirmer   *practice.Confirmer
	metrics     *observe.Metrics
}

// New creates an [Engine] from its dependencies.
func New(deps Deps) *Engine {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Engine{
		store:       deps.Store,
		llm:         deps.LLM,
		stt:         deps.STT,
		classifier:  deps.Classifier,
		gate:        gate.New(deps.LLM),
		loader:      profile.NewLoader(deps.Store),
		tracker:     assess.NewTracker(deps.Store),
		accumulator: progress.NewAccumulator(deps.Store),
		confirmer:   practice.NewConfirmer(deps.Store),
		metrics:     metrics,
	}
}

// TextTurn runs one typed conversation turn. The prompt is gated before any
// state is read or written; a rejected turn returns the out-of-scope reply
// with no mutation.
func (e *Engine) TextTurn(ctx context.Context, userID, chatID, prompt string) (*TurnResult, error) {
	start := time.Now()
	if err := validateIDs(userID, chatID); err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}

	verdict := e.gate.Classify(ctx, prompt)
	e.metrics.RecordGateDecision(ctx, string(verdict.Label))
	if verdict.Rejected() {
		e.metrics.RecordTurn(ctx, "text", "rejected", time.Since(start).Seconds())
		return &TurnResult{Reply: outOfScopeReply, Rejected: true, Verdict: verdict}, nil
	}

	result, err := e.completeTurn(ctx, userID, chatID, prompt, prompt, nil)
	if err != nil {
		e.metrics.RecordTurn(ctx, "text", "error", time.Since(start).Seconds())
		return nil, err
	}
	result.Verdict = verdict
	e.metrics.RecordTurn(ctx, "text", turnStatus(result), time.Since(start).Seconds())
	return result, nil
}

// AudioTurn runs one spoken conversation turn. Transcription and severity
// inference run concurrently; inference failure is non-fatal and the turn
// proceeds without assessment data. An empty transcript short-circuits to a
// retry reply without gating or session accounting.
func (e *Engine) AudioTurn(ctx context.Context, userID, chatID, sessionID string, audio []byte) (*TurnResult, error) {
	start := time.Now()
	if err := validateIDs(userID, chatID); err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &ValidationError{Field: "audio", Reason: "must not be empty"}
	}
	if e.stt == nil {
		return nil, fmt.Errorf("engine: no transcriber configured")
	}

	transcript, assessment, err := e.evaluateAudio(ctx, sessionID, audio)
	if err != nil {
		e.metrics.RecordTurn(ctx, "audio", "error", time.Since(start).Seconds())
		return nil, err
	}
	improvement := e.recordAssessment(ctx, userID, assessment)

	if transcript == "" {
		if err := e.appendExchange(ctx, userID, chatID, nonVerbalMarker, retryReply); err != nil {
			return nil, err
		}
		e.metrics.RecordTurn(ctx, "audio", "retry", time.Since(start).Seconds())
		return &TurnResult{
			Reply:       retryReply,
			Assessment:  assessment,
			Improvement: improvement,
		}, nil
	}

	verdict := e.gate.Classify(ctx, transcript)
	e.metrics.RecordGateDecision(ctx, string(verdict.Label))
	if verdict.Rejected() {
		// Unlike text turns, the user spoke: keep the transcript and refusal
		// in the chat log so the conversation reads coherently afterwards.
		if err := e.appendExchange(ctx, userID, chatID, transcript, outOfScopeReply); err != nil {
			return nil, err
		}
		e.metrics.RecordTurn(ctx, "audio", "rejected", time.Since(start).Seconds())
		return &TurnResult{
			Reply:       outOfScopeReply,
			Transcript:  transcript,
			Rejected:    true,
			Verdict:     verdict,
			Assessment:  assessment,
			Improvement: improvement,
		}, nil
	}

	result, err := e.completeTurn(ctx, userID, chatID, transcript, transcript, improvement)
	if err != nil {
		e.metrics.RecordTurn(ctx, "audio", "error", time.Since(start).Seconds())
		return nil, err
	}
	result.Verdict = verdict
	result.Transcript = transcript
	result.Assessment = assessment
	e.metrics.RecordTurn(ctx, "audio", turnStatus(result), time.Since(start).Seconds())
	return result, nil
}

// ConfirmPractice transcribes one practice attempt and matches it against the
// user's assigned words. An empty transcript yields an unmatched result
// without touching state.
func (e *Engine) ConfirmPractice(ctx context.Context, userID string, audio []byte) (practice.Result, string, error) {
	if userID == "" {
		return practice.Result{}, "", &ValidationError{Field: "user", Reason: "must not be empty"}
	}
	if len(audio) == 0 {
		return practice.Result{}, "", &ValidationError{Field: "audio", Reason: "must not be empty"}
	}
	if e.stt == nil {
		return practice.Result{}, "", fmt.Errorf("engine: no transcriber configured")
	}

	sttStart := time.Now()
	transcript, err := e.stt.Transcribe(ctx, audio)
	e.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil {
		e.metrics.RecordOracleError(ctx, "stt", "transcription")
		return practice.Result{}, "", fmt.Errorf("engine: transcribe practice attempt: %w", err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return practice.Result{}, "", nil
	}

	result, err := e.confirmer.Confirm(ctx, userID, transcript)
	if err != nil {
		return practice.Result{}, transcript, err
	}
	return result, transcript, nil
}

// Profile returns the user's current session snapshot.
func (e *Engine) Profile(ctx context.Context, userID string) (profile.Snapshot, error) {
	if userID == "" {
		return profile.Snapshot{}, &ValidationError{Field: "user", Reason: "must not be empty"}
	}
	return e.loader.Load(ctx, userID)
}

// ChatMessages returns up to limit messages of one conversation log in
// chronological order.
func (e *Engine) ChatMessages(ctx context.Context, userID, chatID string, limit int) ([]store.ChatMessage, error) {
	if err := validateIDs(userID, chatID); err != nil {
		return nil, err
	}
	return e.store.Messages(ctx, userID, chatID, limit)
}

// evaluateAudio transcribes the clip and runs severity inference in parallel.
// A transcription failure fails the turn; an inference failure is logged and
// dropped.
func (e *Engine) evaluateAudio(ctx context.Context, sessionID string, audio []byte) (string, *severity.Result, error) {
	var (
		transcript string
		assessment *severity.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, span := observe.StartSpan(gctx, "stt.transcribe")
		defer span.End()
		sttStart := time.Now()
		t, err := e.stt.Transcribe(sctx, audio)
		e.metrics.STTDuration.Record(gctx, time.Since(sttStart).Seconds())
		if err != nil {
			e.metrics.RecordOracleError(gctx, "stt", "transcription")
			return fmt.Errorf("engine: transcribe audio: %w", err)
		}
		transcript = strings.TrimSpace(t)
		return nil
	})
	if e.classifier != nil {
		g.Go(func() error {
			sctx, span := observe.StartSpan(gctx, "severity.infer")
			defer span.End()
			infStart := time.Now()
			res, err := e.classifier.Infer(sctx, sessionID, audio)
			e.metrics.ClassifierDuration.Record(gctx, time.Since(infStart).Seconds())
			if err != nil {
				e.metrics.RecordOracleError(gctx, "severity", "inference")
				slog.WarnContext(gctx, "severity inference unavailable, turn proceeds without assessment", "error", err)
				return nil
			}
			assessment = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	return transcript, assessment, nil
}

// recordAssessment folds one classifier result into the user's assessment
// record and returns the improvement verdict. A nil result or a store failure
// yields nil; assessment is best-effort per turn.
func (e *Engine) recordAssessment(ctx context.Context, userID string, result *severity.Result) *assess.Improvement {
	if result == nil {
		return nil
	}
	verdict, err := e.tracker.Record(ctx, userID, assess.Observation{
		EnsemblePred: result.EnsemblePred,
		EnsembleProb: result.EnsembleProb,
		ModelProbs:   result.ModelProbs,
		Timestamp:    result.Timestamp,
	})
	if err != nil {
		slog.WarnContext(ctx, "recording assessment failed", "user", userID, "error", err)
		return nil
	}
	if verdict.Improved {
		e.metrics.ImprovementsDetected.Add(ctx, 1)
	}
	return &verdict
}

// completeTurn is the shared back half of text and audio turns: load the
// snapshot, compose the system prompt, call the generative oracle, log the
// exchange, and fold the assigned words into memory and progress.
//
// userText is what the user said this turn; logText is what goes into the
// chat log (identical today, kept separate so audio turns can substitute a
// marker).
func (e *Engine) completeTurn(ctx context.Context, userID, chatID, userText, logText string, improvement *assess.Improvement) (*TurnResult, error) {
	snap, err := e.loader.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Applied to the snapshot for this turn's prompt, and again inside the
	// accumulator's transaction for persistence.
	profile.InferIssue(&snap.Memory, userText)
	systemPrompt := profile.Compose(snap, improvement)

	history, err := e.store.Messages(ctx, userID, chatID, chatHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("engine: load chat history: %w", err)
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, msg := range history {
		role := llm.RoleUser
		if msg.Sender == "assistant" {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: msg.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})

	reply := oracleFailureReply
	oracleOK := false
	llmCtx, span := observe.StartSpan(ctx, "llm.complete")
	llmStart := time.Now()
	resp, err := e.llm.Complete(llmCtx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
	})
	e.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	span.End()
	if err != nil {
		e.metrics.RecordOracleError(ctx, "llm", "completion")
		slog.WarnContext(ctx, "generative oracle failed, returning apology", "user", userID, "error", err)
	} else {
		reply = strings.TrimSpace(resp.Content)
		oracleOK = reply != ""
		if !oracleOK {
			reply = oracleFailureReply
		}
	}

	if err := e.appendExchange(ctx, userID, chatID, logText, reply); err != nil {
		return nil, err
	}

	var words []string
	if oracleOK {
		words = extract.Words(reply)
	}
	update, err := e.accumulator.RecordTurn(ctx, userID, words, func(mem *therapy.UserMemory) {
		profile.InferIssue(mem, userText)
	})
	if err != nil {
		return nil, err
	}
	if update.MilestoneFired {
		e.metrics.MilestonesRecorded.Add(ctx, 1)
	}

	return &TurnResult{
		Reply:          reply,
		PracticeWords:  words,
		Improvement:    improvement,
		SessionCounted: update.SessionCounted,
		MilestoneFired: update.MilestoneFired,
	}, nil
}

// appendExchange writes the user and assistant messages of one turn to the
// chat log.
func (e *Engine) appendExchange(ctx context.Context, userID, chatID, userText, reply string) error {
	now := time.Now()
	if err := e.store.AppendMessage(ctx, userID, chatID, store.ChatMessage{
		Sender: "user", Text: userText, SentAt: now,
	}); err != nil {
		return fmt.Errorf("engine: append user message: %w", err)
	}
	if err := e.store.AppendMessage(ctx, userID, chatID, store.ChatMessage{
		Sender: "assistant", Text: reply, SentAt: now,
	}); err != nil {
		return fmt.Errorf("engine: append assistant message: %w", err)
	}
	return nil
}

func validateIDs(userID, chatID string) error {
	if userID == "" {
		return &ValidationError{Field: "user", Reason: "must not be empty"}
	}
	if chatID == "" {
		return &ValidationError{Field: "chat", Reason: "must not be empty"}
	}
	return nil
}

func turnStatus(r *TurnResult) string {
	if r.Reply == oracleFailureReply {
		return "degraded"
	}
	return "ok"
}
