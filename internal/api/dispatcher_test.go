package api

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trackbite/trackbite/internal/core"
	"github.com/trackbite/trackbite/internal/store"
)

func newDispatcherTest(t *testing.T) (*APIHandler, *store.SQLiteStore, int64) {
	t.Helper()
	dbStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "dispatcher_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbStore.Close() })

	user, err := dbStore.CreateUser("dispatch-user", "hash")
	require.NoError(t, err)

	return &APIHandler{dbStore: dbStore}, dbStore, user.ID
}

func TestDispatcherLogMealWritesToStore(t *testing.T) {
	h, dbStore, userID := newDispatcherTest(t)
	dispatch := h.toolDispatcher(userID)

	result, err := dispatch(context.Background(), core.ToolLogMeal, json.RawMessage(`{"description":"tuna wrap","calories":380,"protein":28}`))
	require.NoError(t, err)
	require.Equal(t, true, result["success"])
	mealID, ok := result["meal_id"].(string)
	require.True(t, ok)

	meal, err := dbStore.GetMealByID(mealID, userID)
	require.NoError(t, err)
	require.Equal(t, "tuna wrap", meal.Description)
	require.InDelta(t, 380, meal.Calories, 0.001)
}

func TestDispatcherLogMealRequiresDescription(t *testing.T) {
	h, _, userID := newDispatcherTest(t)
	dispatch := h.toolDispatcher(userID)

	result, err := dispatch(context.Background(), core.ToolLogMeal, json.RawMessage(`{"calories":380}`))
	require.NoError(t, err)
	require.Equal(t, false, result["success"])
	require.Equal(t, "description is required", result["message"])
}

func TestDispatcherLogWeight(t *testing.T) {
	h, dbStore, userID := newDispatcherTest(t)
	dispatch := h.toolDispatcher(userID)

	result, err := dispatch(context.Background(), core.ToolLogWeight, json.RawMessage(`{"weight_kg":77.7}`))
	require.NoError(t, err)
	require.Equal(t, true, result["success"])

	entries, err := dbStore.GetWeightLogsByUserID(userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.InDelta(t, 77.7, entries[0].WeightKg, 0.001)

	result, err = dispatch(context.Background(), core.ToolLogWeight, json.RawMessage(`{"weight_kg":-1}`))
	require.NoError(t, err)
	require.Equal(t, false, result["success"])
}

func TestDispatcherNutritionLookupIsCaseInsensitive(t *testing.T) {
	h, _, userID := newDispatcherTest(t)
	dispatch := h.toolDispatcher(userID)

	result, err := dispatch(context.Background(), core.ToolGetNutritionInfo, json.RawMessage(`{"food":"  Banana "}`))
	require.NoError(t, err)
	require.Equal(t, true, result["success"])
	require.InDelta(t, 89, result["calories"].(float64), 0.001)

	result, err = dispatch(context.Background(), core.ToolGetNutritionInfo, json.RawMessage(`{"food":"unicorn steak"}`))
	require.NoError(t, err)
	require.Equal(t, false, result["success"])
	require.Contains(t, result["message"], "No nutrition data")
}

func TestDispatcherUnknownToolName(t *testing.T) {
	h, _, userID := newDispatcherTest(t)
	dispatch := h.toolDispatcher(userID)

	result, err := dispatch(context.Background(), "delete_account", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, false, result["success"])
	require.Equal(t, "Unknown tool: delete_account", result["message"])
}

func TestDispatcherRejectsMalformedArguments(t *testing.T) {
	h, _, userID := newDispatcherTest(t)
	dispatch := h.toolDispatcher(userID)

	_, err := dispatch(context.Background(), core.ToolLogMeal, json.RawMessage(`{"calories":"lots"}`))
	require.Error(t, err)
}
