package core

import (
	"context"
	"fmt"
	"log"

	"github.com/trackbite/trackbite/internal/store"
)

// The conversation contexts the app knows about. Each gets its own provider
// thread per user.
const (
	ContextMain       = "main"
	ContextOnboarding = "onboarding"
	ContextVoice      = "voice"
)

var validContexts = map[string]bool{
	ContextMain:       true,
	ContextOnboarding: true,
	ContextVoice:      true,
}

const connectionTroubleMessage = "I'm having trouble connecting right now. Please try again in a moment."

// ChatService glues the local thread registry to the assistant orchestration
// layer: it decides which provider thread a user's conversation context maps
// to and runs turns against it.
type ChatService struct {
	dbStore   *store.SQLiteStore
	assistant *AssistantService
}

func NewChatService(db *store.SQLiteStore, assistant *AssistantService) *ChatService {
	return &ChatService{
		dbStore:   db,
		assistant: assistant,
	}
}

func (s *ChatService) GetUserByExternalID(externalUserID string) (*store.User, error) {
	return s.dbStore.GetUserByExternalID(externalUserID)
}

func (s *ChatService) CreateUser(externalUserID, passwordHash string) (*store.User, error) {
	return s.dbStore.CreateUser(externalUserID, passwordHash)
}

// EnsureThread returns the provider thread for a user's conversation
// context, allocating one on first use, plus a freshly configured assistant
// id for the user's personality.
func (s *ChatService) EnsureThread(ctx context.Context, userID int64, contextName string) (*store.ChatThread, string, error) {
	if !validContexts[contextName] {
		return nil, "", fmt.Errorf("unknown conversation context %q", contextName)
	}

	thread, err := s.dbStore.GetChatThread(userID, contextName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up thread: %w", err)
	}
	if thread == nil {
		threadID := s.assistant.CreateThread(ctx)
		if threadID == "" {
			return nil, "", fmt.Errorf("failed to create provider thread")
		}
		thread, err = s.dbStore.SaveChatThread(userID, contextName, threadID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to save thread: %w", err)
		}
	}

	assistantID := s.assistant.EnsureAssistant(ctx, s.personalityFor(userID))
	if assistantID == "" {
		return nil, "", fmt.Errorf("failed to create assistant")
	}
	return thread, assistantID, nil
}

// PostMessage appends a user turn to the thread and runs the assistant,
// returning the assistant messages produced. A failed run yields a single
// canned fallback message rather than an error so the UI always has
// something to render.
func (s *ChatService) PostMessage(ctx context.Context, userID int64, threadID, assistantID, content, imageURL string, dispatcher ToolDispatcher) ([]AssistantMessage, error) {
	thread, err := s.dbStore.GetChatThreadByThreadID(threadID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify thread: %w", err)
	}
	if thread == nil {
		return nil, fmt.Errorf("thread not found")
	}

	if !s.assistant.AddMessageToThread(ctx, threadID, content, imageURL) {
		log.Printf("Failed to append message for user %d on thread %s", userID, threadID)
		return []AssistantMessage{{Content: connectionTroubleMessage}}, nil
	}

	messages := s.assistant.Run(ctx, threadID, assistantID, s.personalityFor(userID), dispatcher, RunOptions{
		UserID:      userID,
		ExpectImage: imageURL != "",
	})
	if len(messages) == 0 {
		return []AssistantMessage{{Content: connectionTroubleMessage}}, nil
	}
	return messages, nil
}

// TranscribeAudio proxies to the assistant layer; "" means the clip could
// not be transcribed.
func (s *ChatService) TranscribeAudio(ctx context.Context, data []byte, mimeType string) string {
	return s.assistant.TranscribeAudio(ctx, data, mimeType)
}

func (s *ChatService) personalityFor(userID int64) string {
	profile, err := s.dbStore.GetProfile(userID)
	if err != nil {
		log.Printf("Failed to load profile for user %d: %v", userID, err)
		return DefaultPersonality
	}
	if profile == nil || profile.Personality == "" {
		return DefaultPersonality
	}
	return profile.Personality
}
