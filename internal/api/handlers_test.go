package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trackbite/trackbite/internal/config"
	"github.com/trackbite/trackbite/internal/core"
	"github.com/trackbite/trackbite/internal/events"
	"github.com/trackbite/trackbite/internal/openai"
	"github.com/trackbite/trackbite/internal/store"
)

// stubAssistantClient is a minimal scripted provider: runs complete on the
// first poll and produce one canned reply.
type stubAssistantClient struct {
	mu           sync.Mutex
	threadSeq    int
	assistantSeq int
	runSeq       int
	msgSeq       int
	messages     map[string][]openai.Message
	runStatus    string
	replyAdded   bool
	reply        string
	transcript   string
}

func newStubAssistantClient() *stubAssistantClient {
	return &stubAssistantClient{
		messages:   map[string][]openai.Message{},
		runStatus:  openai.RunStatusCompleted,
		reply:      "Logged! Anything else?",
		transcript: "two eggs and toast",
	}
}

func (s *stubAssistantClient) CreateThread(ctx context.Context) (openai.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadSeq++
	id := fmt.Sprintf("thread_%d", s.threadSeq)
	s.messages[id] = nil
	return openai.Thread{ID: id}, nil
}

func (s *stubAssistantClient) CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistantSeq++
	return openai.Assistant{ID: fmt.Sprintf("asst_%d", s.assistantSeq)}, nil
}

func (s *stubAssistantClient) CreateMessage(ctx context.Context, threadID string, req openai.MessageRequest) (openai.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgSeq++
	text := ""
	if len(req.Content) > 0 {
		text = req.Content[0].Text
	}
	msg := openai.Message{
		ID:        fmt.Sprintf("msg_%d", s.msgSeq),
		Role:      req.Role,
		CreatedAt: int64(s.msgSeq),
		Content:   []openai.MessageContent{{Type: "text", Text: &openai.MessageText{Value: text}}},
	}
	s.messages[threadID] = append(s.messages[threadID], msg)
	return msg, nil
}

func (s *stubAssistantClient) CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runSeq++
	return openai.Run{ID: fmt.Sprintf("run_%d", s.runSeq), ThreadID: threadID, Status: openai.RunStatusQueued}, nil
}

func (s *stubAssistantClient) RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runStatus == openai.RunStatusCompleted && !s.replyAdded {
		s.replyAdded = true
		s.msgSeq++
		assistantID := "asst_stub"
		s.messages[threadID] = append(s.messages[threadID], openai.Message{
			ID:          fmt.Sprintf("msg_%d", s.msgSeq),
			Role:        "assistant",
			AssistantID: &assistantID,
			CreatedAt:   int64(s.msgSeq),
			Content:     []openai.MessageContent{{Type: "text", Text: &openai.MessageText{Value: s.reply}}},
		})
	}
	return openai.Run{ID: runID, ThreadID: threadID, Status: s.runStatus}, nil
}

func (s *stubAssistantClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []openai.ToolOutput) (openai.Run, error) {
	return openai.Run{ID: runID, ThreadID: threadID, Status: openai.RunStatusInProgress}, nil
}

func (s *stubAssistantClient) ListMessages(ctx context.Context, threadID string, limit int, order, after string) (openai.MessageList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.messages[threadID]
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return openai.MessageList{Data: data}, nil
}

func (s *stubAssistantClient) Transcribe(ctx context.Context, filename string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript, nil
}

func newAPITest(t *testing.T) (http.Handler, *stubAssistantClient, *store.SQLiteStore, *events.Broker) {
	t.Helper()
	config.AppConfig.JWTSecret = "test-secret"

	dbStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbStore.Close() })

	stub := newStubAssistantClient()
	registry := core.NewRunStateRegistry()
	t.Cleanup(func() { registry.Close() })
	broker := events.NewBroker()

	assistant := core.NewAssistantService(stub, registry, dbStore, broker)
	chatService := core.NewChatService(dbStore, assistant)
	handler := NewAPIHandler(chatService, dbStore, broker)
	return NewRouter(handler), stub, dbStore, broker
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(encoded))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func signupAndLogin(t *testing.T, router http.Handler, userID string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/signup", "", map[string]string{"user_id": userID, "password": "hunter2!"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{"user_id": userID, "password": "hunter2!"})
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	require.NotEmpty(t, parsed["token"])
	return parsed["token"]
}

func TestSignupLoginAndAuthGate(t *testing.T) {
	router, _, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	// Wrong password is rejected.
	rec := doJSON(t, router, http.MethodPost, "/api/login", "", map[string]string{"user_id": "alice", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Protected routes require a token.
	rec = doJSON(t, router, http.MethodGet, "/api/profile", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/profile", "garbage-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token, but no profile saved yet.
	rec = doJSON(t, router, http.MethodGet, "/api/profile", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfileRoundTripValidatesPersonality(t *testing.T) {
	router, _, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPut, "/api/profile", token, map[string]any{
		"display_name": "Alice",
		"personality":  "sarcastic-robot",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/profile", token, map[string]any{
		"display_name": "Alice",
		"personality":  "tough-love",
		"height_cm":    170.5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/profile", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile store.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	require.Equal(t, "tough-love", profile.Personality)
	require.NotNil(t, profile.HeightCm)
}

func TestMealEndpoints(t *testing.T) {
	router, _, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/meals", token, map[string]any{
		"description": "chili con carne",
		"calories":    550,
		"protein":     35,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var meal store.Meal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meal))
	require.NotEmpty(t, meal.ID)

	// Missing description.
	rec = doJSON(t, router, http.MethodPost, "/api/meals", token, map[string]any{"calories": 100})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/meals", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var meals []store.Meal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meals))
	require.Len(t, meals, 1)

	// Partial update.
	rec = doJSON(t, router, http.MethodPatch, "/api/meals/"+meal.ID, token, map[string]any{"calories": 600})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPatch, "/api/meals/"+meal.ID, token, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPatch, "/api/meals/does-not-exist", token, map[string]any{"calories": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/meals/"+meal.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/meals/"+meal.ID, token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWeightEndpoints(t *testing.T) {
	router, _, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/weights", token, map[string]any{"weight_kg": -4})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/weights", token, map[string]any{"weight_kg": 78.2})
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry store.WeightLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	rec = doJSON(t, router, http.MethodGet, "/api/weights", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/weights/"+entry.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCreateChatThreadDefaultsToMainContext(t *testing.T) {
	router, _, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat/threads", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp CreateChatThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "main", resp.Context)
	require.Equal(t, "thread_1", resp.ThreadID)
	require.NotEmpty(t, resp.AssistantID)

	// Recreating returns the same stored thread.
	rec = doJSON(t, router, http.MethodPost, "/api/chat/threads", token, map[string]string{"context": "main"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var again CreateChatThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.Equal(t, resp.ThreadID, again.ThreadID)
}

func TestCreateChatThreadRejectsUnknownContext(t *testing.T) {
	router, _, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat/threads", token, map[string]string{"context": "midnight-snacks"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostChatMessage(t *testing.T) {
	router, stub, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/chat/threads", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var thread CreateChatThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &thread))

	path := "/api/chat/threads/" + thread.ThreadID + "/messages"

	rec = doJSON(t, router, http.MethodPost, path, token, map[string]string{"assistant_id": thread.AssistantID})
	require.Equal(t, http.StatusBadRequest, rec.Code, "empty content")

	rec = doJSON(t, router, http.MethodPost, path, token, map[string]string{"content": "hi"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing assistant_id")

	rec = doJSON(t, router, http.MethodPost, "/api/chat/threads/thread_unknown/messages", token, map[string]string{
		"content": "hi", "assistant_id": thread.AssistantID,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, path, token, map[string]string{
		"content": "I had a tuna wrap", "assistant_id": thread.AssistantID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PostChatMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	require.Equal(t, stub.reply, resp.Messages[0].Content)
}

func TestTranscribeEndpoint(t *testing.T) {
	router, stub, _, _ := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	makeRequest := func() *httptest.ResponseRecorder {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="audio"; filename="clip.webm"`)
		header.Set("Content-Type", "audio/webm")
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte("fake-audio-bytes"))
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/transcriptions", &body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := makeRequest()
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TranscribeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, stub.transcript, resp.Text)

	// An unusable clip comes back as 422, not a silent empty string.
	stub.mu.Lock()
	stub.transcript = ""
	stub.mu.Unlock()
	rec = makeRequest()
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRunEventsStream(t *testing.T) {
	router, _, dbStore, broker := newAPITest(t)
	token := signupAndLogin(t, router, "alice")

	user, err := dbStore.GetUserByExternalID("alice")
	require.NoError(t, err)
	_, err = dbStore.SaveChatThread(user.ID, "main", "thread_sse")
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/chat/threads/thread_sse/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the subscriber is registered and the first frame lands.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				broker.Publish(events.RunEvent{ThreadID: "thread_sse", RunID: "run_1", Type: "run.started"})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	var frame string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			frame = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}
	close(done)

	var event events.RunEvent
	require.NoError(t, json.Unmarshal([]byte(frame), &event))
	require.Equal(t, "run.started", event.Type)
	require.Equal(t, "thread_sse", event.ThreadID)
	require.Equal(t, "run_1", event.RunID)
}
