package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS profiles (
        user_id INTEGER PRIMARY KEY,
        display_name TEXT NOT NULL DEFAULT '',
        height_cm REAL,
        target_weight_kg REAL,
        daily_calories INTEGER,
        activity_level TEXT NOT NULL DEFAULT '',
        personality TEXT NOT NULL DEFAULT 'best-friend',
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS meals (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        description TEXT NOT NULL,
        calories REAL NOT NULL DEFAULT 0,
        protein REAL NOT NULL DEFAULT 0,
        carbs REAL NOT NULL DEFAULT 0,
        fat REAL NOT NULL DEFAULT 0,
        logged_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS weight_logs (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        weight_kg REAL NOT NULL,
        logged_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS chat_threads (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        context TEXT NOT NULL,
        thread_id TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (user_id, context),
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.Exec("INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Profile methods
func (s *SQLiteStore) GetProfile(userID int64) (*Profile, error) {
	var p Profile
	err := s.db.QueryRow("SELECT user_id, display_name, height_cm, target_weight_kg, daily_calories, activity_level, personality, updated_at FROM profiles WHERE user_id = ?", userID).
		Scan(&p.UserID, &p.DisplayName, &p.HeightCm, &p.TargetWeightKg, &p.DailyCalories, &p.ActivityLevel, &p.Personality, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(p *Profile) error {
	p.UpdatedAt = time.Now()
	_, err := s.db.Exec(`
        INSERT INTO profiles (user_id, display_name, height_cm, target_weight_kg, daily_calories, activity_level, personality, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id) DO UPDATE SET
            display_name = excluded.display_name,
            height_cm = excluded.height_cm,
            target_weight_kg = excluded.target_weight_kg,
            daily_calories = excluded.daily_calories,
            activity_level = excluded.activity_level,
            personality = excluded.personality,
            updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.HeightCm, p.TargetWeightKg, p.DailyCalories, p.ActivityLevel, p.Personality, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// Meal methods
func (s *SQLiteStore) CreateMeal(meal *Meal) error {
	if meal.ID == "" {
		meal.ID = uuid.NewString()
	}
	if meal.LoggedAt.IsZero() {
		meal.LoggedAt = time.Now()
	}

	stmt, err := s.db.Prepare("INSERT INTO meals (id, user_id, description, calories, protein, carbs, fat, logged_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare meal insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(meal.ID, meal.UserID, meal.Description, meal.Calories, meal.Protein, meal.Carbs, meal.Fat, meal.LoggedAt)
	if err != nil {
		return fmt.Errorf("failed to execute meal insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMealByID(mealID string, userID int64) (*Meal, error) {
	var meal Meal
	err := s.db.QueryRow("SELECT id, user_id, description, calories, protein, carbs, fat, logged_at FROM meals WHERE id = ? AND user_id = ?", mealID, userID).
		Scan(&meal.ID, &meal.UserID, &meal.Description, &meal.Calories, &meal.Protein, &meal.Carbs, &meal.Fat, &meal.LoggedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get meal: %w", err)
	}
	return &meal, nil
}

func (s *SQLiteStore) GetMealsByUserID(userID int64, limit int) ([]Meal, error) {
	rows, err := s.db.Query("SELECT id, user_id, description, calories, protein, carbs, fat, logged_at FROM meals WHERE user_id = ? ORDER BY logged_at DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query meals: %w", err)
	}
	defer rows.Close()

	var meals []Meal
	for rows.Next() {
		var meal Meal
		if err := rows.Scan(&meal.ID, &meal.UserID, &meal.Description, &meal.Calories, &meal.Protein, &meal.Carbs, &meal.Fat, &meal.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan meal row: %w", err)
		}
		meals = append(meals, meal)
	}
	return meals, nil
}

var mealUpdateColumns = []string{"description", "calories", "protein", "carbs", "fat"}

// UpdateMealFields applies a partial update built from only the columns
// present in fields. Returns an error when the meal does not exist or is not
// owned by the user.
func (s *SQLiteStore) UpdateMealFields(mealID string, userID int64, fields map[string]any) error {
	var setClauses []string
	var args []any
	for _, col := range mealUpdateColumns {
		if v, ok := fields[col]; ok {
			setClauses = append(setClauses, col+" = ?")
			args = append(args, v)
		}
	}
	if len(setClauses) == 0 {
		return fmt.Errorf("no updatable fields provided")
	}
	args = append(args, mealID, userID)

	res, err := s.db.Exec("UPDATE meals SET "+strings.Join(setClauses, ", ")+" WHERE id = ? AND user_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to execute meal update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("meal not found or not owned by user")
	}
	return nil
}

func (s *SQLiteStore) DeleteMeal(mealID string, userID int64) error {
	res, err := s.db.Exec("DELETE FROM meals WHERE id = ? AND user_id = ?", mealID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete meal: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("meal not found or not owned by user")
	}
	return nil
}

// WeightLog methods
func (s *SQLiteStore) CreateWeightLog(entry *WeightLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now()
	}

	_, err := s.db.Exec("INSERT INTO weight_logs (id, user_id, weight_kg, logged_at) VALUES (?, ?, ?, ?)",
		entry.ID, entry.UserID, entry.WeightKg, entry.LoggedAt)
	if err != nil {
		return fmt.Errorf("failed to insert weight log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWeightLogByID(logID string, userID int64) (*WeightLog, error) {
	var entry WeightLog
	err := s.db.QueryRow("SELECT id, user_id, weight_kg, logged_at FROM weight_logs WHERE id = ? AND user_id = ?", logID, userID).
		Scan(&entry.ID, &entry.UserID, &entry.WeightKg, &entry.LoggedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get weight log: %w", err)
	}
	return &entry, nil
}

func (s *SQLiteStore) GetWeightLogsByUserID(userID int64, limit int) ([]WeightLog, error) {
	rows, err := s.db.Query("SELECT id, user_id, weight_kg, logged_at FROM weight_logs WHERE user_id = ? ORDER BY logged_at DESC LIMIT ?", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query weight logs: %w", err)
	}
	defer rows.Close()

	var entries []WeightLog
	for rows.Next() {
		var entry WeightLog
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.WeightKg, &entry.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan weight log row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *SQLiteStore) UpdateWeightLog(logID string, userID int64, weightKg float64) error {
	res, err := s.db.Exec("UPDATE weight_logs SET weight_kg = ? WHERE id = ? AND user_id = ?", weightKg, logID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute weight log update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("weight log not found or not owned by user")
	}
	return nil
}

func (s *SQLiteStore) DeleteWeightLog(logID string, userID int64) error {
	res, err := s.db.Exec("DELETE FROM weight_logs WHERE id = ? AND user_id = ?", logID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete weight log: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("weight log not found or not owned by user")
	}
	return nil
}

// ChatThread methods
func (s *SQLiteStore) GetChatThread(userID int64, context string) (*ChatThread, error) {
	var thread ChatThread
	err := s.db.QueryRow("SELECT id, user_id, context, thread_id, created_at FROM chat_threads WHERE user_id = ? AND context = ?", userID, context).
		Scan(&thread.ID, &thread.UserID, &thread.Context, &thread.ThreadID, &thread.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query chat thread: %w", err)
	}
	return &thread, nil
}

func (s *SQLiteStore) GetChatThreadByThreadID(threadID string, userID int64) (*ChatThread, error) {
	var thread ChatThread
	err := s.db.QueryRow("SELECT id, user_id, context, thread_id, created_at FROM chat_threads WHERE thread_id = ? AND user_id = ?", threadID, userID).
		Scan(&thread.ID, &thread.UserID, &thread.Context, &thread.ThreadID, &thread.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query chat thread: %w", err)
	}
	return &thread, nil
}

func (s *SQLiteStore) SaveChatThread(userID int64, context, threadID string) (*ChatThread, error) {
	now := time.Now()
	_, err := s.db.Exec(`
        INSERT INTO chat_threads (user_id, context, thread_id, created_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (user_id, context) DO UPDATE SET thread_id = excluded.thread_id`,
		userID, context, threadID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save chat thread: %w", err)
	}
	return s.GetChatThread(userID, context)
}
