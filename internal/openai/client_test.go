package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	return client, srv
}

func TestCreateThreadSendsBetaHeader(t *testing.T) {
	var gotAuth, gotBeta string
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/threads" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		json.NewEncoder(w).Encode(Thread{ID: "thread_abc"})
	})
	defer srv.Close()

	thread, err := client.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if thread.ID != "thread_abc" {
		t.Errorf("thread id = %q", thread.ID)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBeta != "assistants=v2" {
		t.Errorf("beta header = %q", gotBeta)
	}
}

func TestCreateAssistantDefaultsModel(t *testing.T) {
	var got AssistantRequest
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Assistant{ID: "asst_abc"})
	})
	defer srv.Close()

	_, err := client.CreateAssistant(context.Background(), AssistantRequest{Name: "Coach"})
	if err != nil {
		t.Fatalf("CreateAssistant: %v", err)
	}
	if got.Model != "gpt-4o" {
		t.Errorf("model = %q, want default", got.Model)
	}
	if got.Name != "Coach" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestListMessagesEncodesQuery(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "100" || q.Get("order") != "asc" || q.Get("after") != "msg_0" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(MessageList{Data: []Message{{ID: "msg_1"}}})
	})
	defer srv.Close()

	list, err := client.ListMessages(context.Background(), "thread_1", 100, "asc", "msg_0")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "msg_1" {
		t.Errorf("list = %+v", list)
	}
}

func TestSubmitToolOutputsWrapsPayload(t *testing.T) {
	var got map[string][]ToolOutput
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/runs/run_1/submit_tool_outputs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(Run{ID: "run_1", Status: RunStatusInProgress})
	})
	defer srv.Close()

	outputs := []ToolOutput{{ToolCallID: "call_1", Output: `{"success":true}`}}
	run, err := client.SubmitToolOutputs(context.Background(), "thread_1", "run_1", outputs)
	if err != nil {
		t.Fatalf("SubmitToolOutputs: %v", err)
	}
	if run.Status != RunStatusInProgress {
		t.Errorf("status = %q", run.Status)
	}
	if len(got["tool_outputs"]) != 1 || got["tool_outputs"][0].ToolCallID != "call_1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`))
	})
	defer srv.Close()

	_, err := client.RetrieveRun(context.Background(), "thread_1", "run_1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRateLimit(err) {
		t.Errorf("IsRateLimit = false for %v", err)
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if apiErr.Message != "Rate limit reached" || apiErr.Type != "rate_limit_error" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestNonEnvelopeErrorKeepsStatusText(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	})
	defer srv.Close()

	_, err := client.CreateThread(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if IsRateLimit(err) {
		t.Error("502 misclassified as rate limit")
	}
}

func TestTranscribeUploadsMultipart(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("model = %q", r.FormValue("model"))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "audio.webm" {
			t.Errorf("filename = %q", header.Filename)
		}
		json.NewEncoder(w).Encode(Transcription{Text: "hello world"})
	})
	defer srv.Close()

	text, err := client.Transcribe(context.Background(), "audio.webm", []byte("fake-audio"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
}

func TestMissingAPIKeyFailsFast(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	if _, err := client.CreateThread(context.Background()); err == nil {
		t.Error("expected missing key error")
	}
	if _, err := client.Transcribe(context.Background(), "audio.webm", []byte("x")); err == nil {
		t.Error("expected missing key error")
	}
}
