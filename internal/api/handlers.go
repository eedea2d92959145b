package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/trackbite/trackbite/internal/auth"
	"github.com/trackbite/trackbite/internal/core"
	"github.com/trackbite/trackbite/internal/events"
	"github.com/trackbite/trackbite/internal/store"
)

const maxAudioUploadBytes = 25 << 20 // provider's transcription upload cap

type APIHandler struct {
	chatService *core.ChatService
	dbStore     *store.SQLiteStore
	broker      *events.Broker
}

func NewAPIHandler(cs *core.ChatService, db *store.SQLiteStore, broker *events.Broker) *APIHandler {
	return &APIHandler{chatService: cs, dbStore: db, broker: broker}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		externalUserID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUserByExternalID(externalUserID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", externalUserID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", user.ID)
		ctx = context.WithValue(ctx, "externalUserID", user.ExternalUserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.chatService.CreateUser(req.UserID, hashedPassword)
	if err != nil {
		log.Printf("Error creating user %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.chatService.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.UserID, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// Profile handlers

func (h *APIHandler) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	profile, err := h.dbStore.GetProfile(userID)
	if err != nil {
		log.Printf("Error getting profile for user %d: %v", userID, err)
		http.Error(w, "Failed to get profile", http.StatusInternalServerError)
		return
	}
	if profile == nil {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(profile)
}

type PutProfileRequest struct {
	DisplayName    string   `json:"display_name"`
	HeightCm       *float64 `json:"height_cm"`
	TargetWeightKg *float64 `json:"target_weight_kg"`
	DailyCalories  *int64   `json:"daily_calories"`
	ActivityLevel  string   `json:"activity_level"`
	Personality    string   `json:"personality"`
}

func (h *APIHandler) PutProfileHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req PutProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	personality := req.Personality
	if personality == "" {
		personality = core.DefaultPersonality
	} else if core.GetPersonality(personality).Key != personality {
		http.Error(w, "Unknown personality key", http.StatusBadRequest)
		return
	}

	profile := &store.Profile{
		UserID:         userID,
		DisplayName:    req.DisplayName,
		HeightCm:       req.HeightCm,
		TargetWeightKg: req.TargetWeightKg,
		DailyCalories:  req.DailyCalories,
		ActivityLevel:  req.ActivityLevel,
		Personality:    personality,
	}
	if err := h.dbStore.UpsertProfile(profile); err != nil {
		log.Printf("Error saving profile for user %d: %v", userID, err)
		http.Error(w, "Failed to save profile", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(profile)
}

// Meal handlers

type CreateMealRequest struct {
	Description string  `json:"description"`
	Calories    float64 `json:"calories"`
	Protein     float64 `json:"protein"`
	Carbs       float64 `json:"carbs"`
	Fat         float64 `json:"fat"`
}

func (h *APIHandler) CreateMealHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req CreateMealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		http.Error(w, "Description is required", http.StatusBadRequest)
		return
	}

	meal := &store.Meal{
		UserID:      userID,
		Description: req.Description,
		Calories:    req.Calories,
		Protein:     req.Protein,
		Carbs:       req.Carbs,
		Fat:         req.Fat,
	}
	if err := h.dbStore.CreateMeal(meal); err != nil {
		log.Printf("Error creating meal for user %d: %v", userID, err)
		http.Error(w, "Failed to create meal", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(meal)
}

func (h *APIHandler) ListMealsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	meals, err := h.dbStore.GetMealsByUserID(userID, limit)
	if err != nil {
		log.Printf("Error listing meals for user %d: %v", userID, err)
		http.Error(w, "Failed to list meals", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(meals)
}

type UpdateMealRequest struct {
	Description *string  `json:"description"`
	Calories    *float64 `json:"calories"`
	Protein     *float64 `json:"protein"`
	Carbs       *float64 `json:"carbs"`
	Fat         *float64 `json:"fat"`
}

func (h *APIHandler) UpdateMealHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	mealID := chi.URLParam(r, "mealID")

	var req UpdateMealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	fields := map[string]any{}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Calories != nil {
		fields["calories"] = *req.Calories
	}
	if req.Protein != nil {
		fields["protein"] = *req.Protein
	}
	if req.Carbs != nil {
		fields["carbs"] = *req.Carbs
	}
	if req.Fat != nil {
		fields["fat"] = *req.Fat
	}
	if len(fields) == 0 {
		http.Error(w, "No fields to update", http.StatusBadRequest)
		return
	}

	if err := h.dbStore.UpdateMealFields(mealID, userID, fields); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "Meal not found", http.StatusNotFound)
		} else {
			log.Printf("Error updating meal %s for user %d: %v", mealID, userID, err)
			http.Error(w, "Failed to update meal", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteMealHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	mealID := chi.URLParam(r, "mealID")

	if err := h.dbStore.DeleteMeal(mealID, userID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "Meal not found", http.StatusNotFound)
		} else {
			log.Printf("Error deleting meal %s for user %d: %v", mealID, userID, err)
			http.Error(w, "Failed to delete meal", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Weight log handlers

type CreateWeightLogRequest struct {
	WeightKg float64 `json:"weight_kg"`
}

func (h *APIHandler) CreateWeightLogHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	var req CreateWeightLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.WeightKg <= 0 {
		http.Error(w, "weight_kg must be positive", http.StatusBadRequest)
		return
	}

	entry := &store.WeightLog{UserID: userID, WeightKg: req.WeightKg}
	if err := h.dbStore.CreateWeightLog(entry); err != nil {
		log.Printf("Error creating weight log for user %d: %v", userID, err)
		http.Error(w, "Failed to create weight log", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

func (h *APIHandler) ListWeightLogsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	entries, err := h.dbStore.GetWeightLogsByUserID(userID, limit)
	if err != nil {
		log.Printf("Error listing weight logs for user %d: %v", userID, err)
		http.Error(w, "Failed to list weight logs", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(entries)
}

func (h *APIHandler) DeleteWeightLogHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	logID := chi.URLParam(r, "logID")

	if err := h.dbStore.DeleteWeightLog(logID, userID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "Weight log not found", http.StatusNotFound)
		} else {
			log.Printf("Error deleting weight log %s for user %d: %v", logID, userID, err)
			http.Error(w, "Failed to delete weight log", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Chat handlers

type CreateChatThreadRequest struct {
	Context string `json:"context"`
}

type CreateChatThreadResponse struct {
	ThreadID    string `json:"thread_id"`
	AssistantID string `json:"assistant_id"`
	Context     string `json:"context"`
}

func (h *APIHandler) CreateChatThreadHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)

	req := CreateChatThreadRequest{Context: core.ContextMain}
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Context == "" {
		req.Context = core.ContextMain
	}

	thread, assistantID, err := h.chatService.EnsureThread(r.Context(), userID, req.Context)
	if err != nil {
		if strings.Contains(err.Error(), "unknown conversation context") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("Error ensuring thread for user %d: %v", userID, err)
		http.Error(w, "Failed to create chat thread", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateChatThreadResponse{
		ThreadID:    thread.ThreadID,
		AssistantID: assistantID,
		Context:     thread.Context,
	})
}

type PostChatMessageRequest struct {
	Content     string `json:"content"`
	ImageURL    string `json:"image_url,omitempty"`
	AssistantID string `json:"assistant_id"`
}

type PostChatMessageResponse struct {
	Messages []core.AssistantMessage `json:"messages"`
}

func (h *APIHandler) PostChatMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	threadID := chi.URLParam(r, "threadID")

	var req PostChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}
	if req.AssistantID == "" {
		http.Error(w, "assistant_id is required", http.StatusBadRequest)
		return
	}

	messages, err := h.chatService.PostMessage(r.Context(), userID, threadID, req.AssistantID, req.Content, req.ImageURL, h.toolDispatcher(userID))
	if err != nil {
		if err.Error() == "thread not found" {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			log.Printf("Error posting message for user %d, thread %s: %v", userID, threadID, err)
			http.Error(w, "Failed to post message", http.StatusInternalServerError)
		}
		return
	}
	json.NewEncoder(w).Encode(PostChatMessageResponse{Messages: messages})
}

// RunEventsHandler streams run lifecycle events for a thread over SSE so the
// UI can show "thinking" and tool-call progress without polling.
func (h *APIHandler) RunEventsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(int64)
	threadID := chi.URLParam(r, "threadID")

	thread, err := h.dbStore.GetChatThreadByThreadID(threadID, userID)
	if err != nil {
		log.Printf("Error verifying thread %s for user %d: %v", threadID, userID, err)
		http.Error(w, "Failed to verify thread", http.StatusInternalServerError)
		return
	}
	if thread == nil {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe(r.Context(), threadID)
	for event := range ch {
		encoded, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(encoded) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

type TranscribeResponse struct {
	Text string `json:"text"`
}

func (h *APIHandler) TranscribeHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes)
	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "audio file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read audio file", http.StatusBadRequest)
		return
	}

	text := h.chatService.TranscribeAudio(r.Context(), data, header.Header.Get("Content-Type"))
	if text == "" {
		http.Error(w, "Could not transcribe audio", http.StatusUnprocessableEntity)
		return
	}
	json.NewEncoder(w).Encode(TranscribeResponse{Text: text})
}
