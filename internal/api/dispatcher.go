package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trackbite/trackbite/internal/core"
	"github.com/trackbite/trackbite/internal/store"
)

type logMealArgs struct {
	Description string  `json:"description"`
	Calories    float64 `json:"calories"`
	Protein     float64 `json:"protein"`
	Carbs       float64 `json:"carbs"`
	Fat         float64 `json:"fat"`
}

type logWeightArgs struct {
	WeightKg float64 `json:"weight_kg"`
}

type nutritionArgs struct {
	Food string `json:"food"`
}

type nutritionFacts struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// Per-100g reference values for foods users log constantly. Anything not in
// the table is reported as unknown so the assistant does not guess.
var nutritionTable = map[string]nutritionFacts{
	"chicken breast": {Calories: 165, Protein: 31, Carbs: 0, Fat: 3.6},
	"white rice":     {Calories: 130, Protein: 2.7, Carbs: 28, Fat: 0.3},
	"brown rice":     {Calories: 111, Protein: 2.6, Carbs: 23, Fat: 0.9},
	"egg":            {Calories: 155, Protein: 13, Carbs: 1.1, Fat: 11},
	"banana":         {Calories: 89, Protein: 1.1, Carbs: 23, Fat: 0.3},
	"apple":          {Calories: 52, Protein: 0.3, Carbs: 14, Fat: 0.2},
	"oats":           {Calories: 389, Protein: 17, Carbs: 66, Fat: 6.9},
	"salmon":         {Calories: 208, Protein: 20, Carbs: 0, Fat: 13},
	"greek yogurt":   {Calories: 59, Protein: 10, Carbs: 3.6, Fat: 0.4},
	"almonds":        {Calories: 579, Protein: 21, Carbs: 22, Fat: 50},
	"broccoli":       {Calories: 34, Protein: 2.8, Carbs: 7, Fat: 0.4},
	"olive oil":      {Calories: 884, Protein: 0, Carbs: 0, Fat: 100},
}

// toolDispatcher builds the per-request dispatcher the run engine forwards
// application tools to. log_meal and log_weight write straight to the store;
// get_nutrition_info answers from the local reference table.
func (h *APIHandler) toolDispatcher(userID int64) core.ToolDispatcher {
	return func(ctx context.Context, name string, args json.RawMessage) (map[string]any, error) {
		switch name {
		case core.ToolLogMeal:
			var parsed logMealArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return nil, fmt.Errorf("invalid log_meal arguments: %w", err)
			}
			if parsed.Description == "" {
				return map[string]any{"success": false, "message": "description is required"}, nil
			}
			meal := &store.Meal{
				UserID:      userID,
				Description: parsed.Description,
				Calories:    parsed.Calories,
				Protein:     parsed.Protein,
				Carbs:       parsed.Carbs,
				Fat:         parsed.Fat,
			}
			if err := h.dbStore.CreateMeal(meal); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": "Meal logged", "meal_id": meal.ID}, nil

		case core.ToolLogWeight:
			var parsed logWeightArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return nil, fmt.Errorf("invalid log_weight arguments: %w", err)
			}
			if parsed.WeightKg <= 0 {
				return map[string]any{"success": false, "message": "weight_kg must be positive"}, nil
			}
			entry := &store.WeightLog{UserID: userID, WeightKg: parsed.WeightKg}
			if err := h.dbStore.CreateWeightLog(entry); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "message": "Weight logged", "log_id": entry.ID}, nil

		case core.ToolGetNutritionInfo:
			var parsed nutritionArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return nil, fmt.Errorf("invalid get_nutrition_info arguments: %w", err)
			}
			key := strings.ToLower(strings.TrimSpace(parsed.Food))
			facts, ok := nutritionTable[key]
			if !ok {
				return map[string]any{"success": false, "message": fmt.Sprintf("No nutrition data for %q", parsed.Food)}, nil
			}
			return map[string]any{
				"success":  true,
				"message":  fmt.Sprintf("Nutrition facts for %s per 100g", parsed.Food),
				"calories": facts.Calories,
				"protein":  facts.Protein,
				"carbs":    facts.Carbs,
				"fat":      facts.Fat,
			}, nil

		default:
			return map[string]any{"success": false, "message": fmt.Sprintf("Unknown tool: %s", name)}, nil
		}
	}
}
