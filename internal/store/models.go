package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Profile struct {
	UserID         int64     `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	HeightCm       *float64  `json:"height_cm"`      // Nullable
	TargetWeightKg *float64  `json:"target_weight_kg"`
	DailyCalories  *int64    `json:"daily_calories"`
	ActivityLevel  string    `json:"activity_level"`
	Personality    string    `json:"personality"` // Assistant persona key
	UpdatedAt      time.Time `json:"updated_at"`
}

type Meal struct {
	ID          string    `json:"id"` // UUID
	UserID      int64     `json:"user_id"`
	Description string    `json:"description"`
	Calories    float64   `json:"calories"`
	Protein     float64   `json:"protein"`
	Carbs       float64   `json:"carbs"`
	Fat         float64   `json:"fat"`
	LoggedAt    time.Time `json:"logged_at"`
}

type WeightLog struct {
	ID       string    `json:"id"` // UUID
	UserID   int64     `json:"user_id"`
	WeightKg float64   `json:"weight_kg"`
	LoggedAt time.Time `json:"logged_at"`
}

// ChatThread maps a user's conversation context ("main", "onboarding",
// "voice") to the thread id allocated by the assistant provider. The
// transcript itself lives on the provider side.
type ChatThread struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Context   string    `json:"context"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}
