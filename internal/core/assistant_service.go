package core

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/trackbite/trackbite/internal/events"
	"github.com/trackbite/trackbite/internal/openai"
	"github.com/trackbite/trackbite/internal/store"
)

const (
	// How long a message append or run start waits out a pre-existing run
	// before forcing the registry inactive. Liveness beats strictness here:
	// a UI stuck behind a lost run is worse than a small race window.
	messageWaitTimeout = 15 * time.Second
	// Brief wait after reconciling an "already active" run reported by the
	// provider, before the single append retry.
	activeRunRetryWait = 5 * time.Second

	pollBaseDelay     = 1 * time.Second
	pollMaxDelay      = 5 * time.Second
	pollBackoffGrowth = 1.5
	maxPollFailures   = 5

	runTimeout      = 30 * time.Second
	imageRunTimeout = 60 * time.Second

	messagePageLimit = 100

	// Injected into empty threads as a user message so the provider greets
	// instead of erroring; the user-role filter keeps it out of returned
	// transcripts.
	syntheticInitText = "Greet the user warmly and ask how you can help with their nutrition today."
)

// activeRunPattern extracts the run id the provider embeds in its
// "thread already has an active run" error message.
var activeRunPattern = regexp.MustCompile(`run_[A-Za-z0-9]+`)

// AssistantMessage is what callers get back from a completed run: the
// assistant-authored messages on the thread, oldest first.
type AssistantMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Role      string    `json:"role,omitempty"`
}

// RunOptions tunes one engine invocation. UserID enables the built-in
// update_meal/update_weight handlers; ExpectImage widens the wall-clock
// budget for runs that analyze an attached image.
type RunOptions struct {
	UserID      int64
	ExpectImage bool
}

// AssistantClient is the subset of the provider API the service consumes.
// *openai.Client satisfies it; tests supply a scripted fake.
type AssistantClient interface {
	CreateThread(ctx context.Context) (openai.Thread, error)
	CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error)
	CreateMessage(ctx context.Context, threadID string, req openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []openai.ToolOutput) (openai.Run, error)
	ListMessages(ctx context.Context, threadID string, limit int, order, after string) (openai.MessageList, error)
	Transcribe(ctx context.Context, filename string, data []byte) (string, error)
}

// AssistantService orchestrates conversation threads and runs against the
// assistant provider. Public methods never return errors: failures surface
// as zero values so the caller always has a renderable fallback state.
type AssistantService struct {
	client   AssistantClient
	registry *RunStateRegistry
	store    *store.SQLiteStore
	broker   *events.Broker

	now   func() time.Time
	sleep func(time.Duration)
}

func NewAssistantService(client AssistantClient, registry *RunStateRegistry, dbStore *store.SQLiteStore, broker *events.Broker) *AssistantService {
	return &AssistantService{
		client:   client,
		registry: registry,
		store:    dbStore,
		broker:   broker,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// CreateThread allocates a new conversation thread. Returns "" on exhausted
// retries; thread creation is a prerequisite for everything else, so
// transient blips get the full retry policy.
func (s *AssistantService) CreateThread(ctx context.Context) string {
	var thread openai.Thread
	err := withRetry(ctx, s.sleep, retryAttempts, retryBaseDelay, retryBackoffGrowth, func() error {
		var err error
		thread, err = s.client.CreateThread(ctx)
		return err
	})
	if err != nil {
		log.Printf("Failed to create thread: %v", err)
		return ""
	}
	return thread.ID
}

// EnsureAssistant creates a persona configured with the fixed tool schema
// and the personality's instructions and temperature. A fresh assistant is
// created on every call rather than reusing a cached one: the churn buys a
// guarantee that instruction changes take effect immediately.
func (s *AssistantService) EnsureAssistant(ctx context.Context, personalityKey string) string {
	personality := GetPersonality(personalityKey)
	temp := personality.Temperature

	var assistant openai.Assistant
	err := withRetry(ctx, s.sleep, retryAttempts, retryBaseDelay, retryBackoffGrowth, func() error {
		var err error
		assistant, err = s.client.CreateAssistant(ctx, openai.AssistantRequest{
			Name:         personality.Name,
			Instructions: personality.Instructions,
			Temperature:  &temp,
			Tools:        assistantTools(),
		})
		return err
	})
	if err != nil {
		log.Printf("Failed to create assistant for personality %s: %v", personality.Key, err)
		return ""
	}
	return assistant.ID
}

// AddMessageToThread appends a user turn, optionally with an image
// attachment. The registry is consulted first: an active run is waited out
// (bounded), then forced inactive on timeout so the UI never deadlocks. If
// the provider still reports an active run, its embedded run id is
// reconciled into the registry and the append is retried exactly once.
func (s *AssistantService) AddMessageToThread(ctx context.Context, threadID, text, imageURL string) bool {
	if threadID == "" || text == "" {
		return false
	}

	if s.registry.HasActiveRun(threadID) {
		if !s.registry.WaitForRunCompletion(threadID, messageWaitTimeout) {
			log.Printf("Timed out waiting for active run on thread %s, forcing inactive", threadID)
			s.registry.SetRunInactive(threadID)
		}
	}

	req := userMessageRequest(text, imageURL)
	_, err := s.client.CreateMessage(ctx, threadID, req)
	if err == nil {
		return true
	}

	if runID, ok := activeRunIDFromError(err); ok {
		log.Printf("Thread %s busy with run %s, reconciling and retrying once", threadID, runID)
		s.registry.SetRunActive(threadID, runID)
		if !s.registry.WaitForRunCompletion(threadID, activeRunRetryWait) {
			s.registry.SetRunInactive(threadID)
		}
		if _, err = s.client.CreateMessage(ctx, threadID, req); err == nil {
			return true
		}
	}

	log.Printf("Failed to add message to thread %s: %v", threadID, err)
	return false
}

// Run executes one assistant turn: start a run, poll it to completion,
// resolve tool calls along the way, and return the thread's assistant
// messages oldest first. An empty slice means the turn failed or timed out;
// the registry is cleared on every exit path.
func (s *AssistantService) Run(ctx context.Context, threadID, assistantID, personalityKey string, dispatcher ToolDispatcher, opts RunOptions) []AssistantMessage {
	if threadID == "" || assistantID == "" {
		return nil
	}

	s.ensureThreadSeeded(ctx, threadID)

	if s.registry.HasActiveRun(threadID) {
		if !s.registry.WaitForRunCompletion(threadID, messageWaitTimeout) {
			s.registry.SetRunInactive(threadID)
		}
	}

	personality := GetPersonality(personalityKey)
	temp := personality.Temperature

	var run openai.Run
	err := withRetry(ctx, s.sleep, retryAttempts, retryBaseDelay, retryBackoffGrowth, func() error {
		var err error
		run, err = s.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID, Temperature: &temp})
		return err
	})
	if err != nil {
		log.Printf("Failed to start run on thread %s: %v", threadID, err)
		return nil
	}

	s.registry.SetRunActive(threadID, run.ID)
	defer s.registry.SetRunInactive(threadID)
	s.publish(threadID, run.ID, "run.started", nil)

	budget := runTimeout
	if opts.ExpectImage {
		budget = imageRunTimeout
	}
	deadline := s.now().Add(budget)
	delay := pollBaseDelay
	failures := 0

	for {
		if !s.now().Before(deadline) {
			log.Printf("Run %s on thread %s exceeded local budget %s, abandoning", run.ID, threadID, budget)
			s.publish(threadID, run.ID, "run.timed_out", nil)
			return nil
		}

		current, err := s.client.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			if openai.IsRateLimit(err) {
				// Expected under burst traffic: wait longer and spare the
				// failure budget.
				s.sleep(5 * pollBaseDelay)
				continue
			}
			failures++
			if failures > maxPollFailures {
				log.Printf("Giving up polling run %s on thread %s: %v", run.ID, threadID, err)
				s.publish(threadID, run.ID, "run.failed", map[string]any{"error": err.Error()})
				return nil
			}
			s.sleep(delay)
			delay = nextPollDelay(delay)
			continue
		}

		s.registry.UpdateRunActivity(threadID)

		switch current.Status {
		case openai.RunStatusCompleted:
			s.publish(threadID, run.ID, "run.completed", nil)
			return s.collectAssistantMessages(ctx, threadID)

		case openai.RunStatusRequiresAction:
			calls := pendingToolCalls(current)
			s.publish(threadID, run.ID, "run.requires_action", map[string]any{"tool_calls": len(calls)})
			outputs := s.dispatchToolCalls(ctx, calls, dispatcher, opts.UserID)
			if _, err := s.client.SubmitToolOutputs(ctx, threadID, run.ID, outputs); err != nil {
				failures++
				if failures > maxPollFailures {
					log.Printf("Giving up submitting tool outputs for run %s: %v", run.ID, err)
					s.publish(threadID, run.ID, "run.failed", map[string]any{"error": err.Error()})
					return nil
				}
				s.sleep(delay)
				delay = nextPollDelay(delay)
				continue
			}
			// Submitting outputs is progress: reset the failure budget and
			// the poll cadence.
			failures = 0
			delay = pollBaseDelay

		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			payload := map[string]any{"status": current.Status}
			if current.LastError != nil {
				payload["error"] = current.LastError.Message
			}
			log.Printf("Run %s on thread %s ended with status %s", run.ID, threadID, current.Status)
			s.publish(threadID, run.ID, "run."+current.Status, payload)
			return nil

		default: // queued, in_progress
			s.sleep(delay)
			delay = nextPollDelay(delay)
		}
	}
}

// dispatchToolCalls resolves a requires_action batch. Calls are independent,
// so they run concurrently; outputs are submitted together in one batch with
// each output's tool_call_id matching its call.
func (s *AssistantService) dispatchToolCalls(ctx context.Context, calls []openai.ToolCall, dispatcher ToolDispatcher, userID int64) []openai.ToolOutput {
	outputs := make([]openai.ToolOutput, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call openai.ToolCall) {
			defer wg.Done()
			result := s.executeToolCall(ctx, call, dispatcher, userID)
			encoded, err := json.Marshal(result)
			if err != nil {
				encoded = []byte(`{"success":false,"message":"unserializable tool result"}`)
			}
			outputs[i] = openai.ToolOutput{ToolCallID: call.ID, Output: string(encoded)}
		}(i, call)
	}
	wg.Wait()
	return outputs
}

// ensureThreadSeeded injects the synthetic init message into an empty thread
// so the provider greets instead of erroring on empty input.
func (s *AssistantService) ensureThreadSeeded(ctx context.Context, threadID string) {
	list, err := s.client.ListMessages(ctx, threadID, 1, "asc", "")
	if err != nil {
		log.Printf("Failed to check thread %s for messages: %v", threadID, err)
		return
	}
	if len(list.Data) > 0 {
		return
	}
	if _, err := s.client.CreateMessage(ctx, threadID, userMessageRequest(syntheticInitText, "")); err != nil {
		log.Printf("Failed to seed thread %s: %v", threadID, err)
	}
}

// collectAssistantMessages pages through the whole thread so long
// conversations are never truncated at one page.
func (s *AssistantService) collectAssistantMessages(ctx context.Context, threadID string) []AssistantMessage {
	var messages []AssistantMessage
	after := ""
	for {
		list, err := s.client.ListMessages(ctx, threadID, messagePageLimit, "asc", after)
		if err != nil {
			log.Printf("Failed to list messages on thread %s: %v", threadID, err)
			return nil
		}
		for _, msg := range list.Data {
			if msg.Role != "assistant" {
				continue
			}
			text := firstTextContent(msg)
			if text == "" {
				continue
			}
			messages = append(messages, AssistantMessage{
				ID:        msg.ID,
				Content:   text,
				CreatedAt: time.Unix(msg.CreatedAt, 0),
				Role:      msg.Role,
			})
		}
		if !list.HasMore || list.LastID == "" {
			return messages
		}
		after = list.LastID
	}
}

func (s *AssistantService) publish(threadID, runID, eventType string, payload map[string]any) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.RunEvent{
		ThreadID: threadID,
		RunID:    runID,
		Type:     eventType,
		Ts:       s.now(),
		Payload:  payload,
	})
}

func userMessageRequest(text, imageURL string) openai.MessageRequest {
	parts := []openai.ContentPart{{Type: "text", Text: text}}
	if imageURL != "" {
		parts = append(parts, openai.ContentPart{Type: "image_url", ImageURL: &openai.ImageURLPart{URL: imageURL}})
	}
	return openai.MessageRequest{Role: "user", Content: parts}
}

func firstTextContent(msg openai.Message) string {
	for _, part := range msg.Content {
		if part.Type == "text" && part.Text != nil {
			return part.Text.Value
		}
	}
	return ""
}

func pendingToolCalls(run openai.Run) []openai.ToolCall {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return nil
	}
	return run.RequiredAction.SubmitToolOutputs.ToolCalls
}

func activeRunIDFromError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	match := activeRunPattern.FindString(err.Error())
	return match, match != ""
}

func nextPollDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * pollBackoffGrowth)
	if next > pollMaxDelay {
		return pollMaxDelay
	}
	return next
}
