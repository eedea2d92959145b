package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/trackbite/trackbite/internal/openai"
)

// ToolDispatcher is the caller-supplied handler for application-level tools
// (log_meal, log_weight, get_nutrition_info). It must return a result map
// shaped {"success": bool, "message": string, ...}. The engine never assumes
// it is error-free: errors and panics become structured failure results.
type ToolDispatcher func(ctx context.Context, name string, args json.RawMessage) (map[string]any, error)

const (
	ToolLogMeal          = "log_meal"
	ToolLogWeight        = "log_weight"
	ToolGetNutritionInfo = "get_nutrition_info"
	ToolUpdateMeal       = "update_meal"
	ToolUpdateWeight     = "update_weight"
)

// assistantTools is the fixed tool schema every assistant persona is
// configured with.
func assistantTools() []openai.ToolDef {
	number := func(desc string) map[string]any {
		return map[string]any{"type": "number", "description": desc}
	}
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []openai.ToolDef{
		{Type: "function", Function: &openai.FunctionDef{
			Name:        ToolLogMeal,
			Description: "Log a meal the user ate, with estimated calories and macros.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": str("Short description of the meal"),
					"calories":    number("Estimated calories"),
					"protein":     number("Protein in grams"),
					"carbs":       number("Carbohydrates in grams"),
					"fat":         number("Fat in grams"),
				},
				"required": []string{"description", "calories"},
			},
		}},
		{Type: "function", Function: &openai.FunctionDef{
			Name:        ToolLogWeight,
			Description: "Log the user's current body weight.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"weight_kg": number("Weight in kilograms"),
				},
				"required": []string{"weight_kg"},
			},
		}},
		{Type: "function", Function: &openai.FunctionDef{
			Name:        ToolGetNutritionInfo,
			Description: "Look up nutrition facts for a food item.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"food": str("Name of the food to look up"),
				},
				"required": []string{"food"},
			},
		}},
		{Type: "function", Function: &openai.FunctionDef{
			Name:        ToolUpdateMeal,
			Description: "Correct a previously logged meal. Only include the fields that changed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"meal_id":     str("Id of the meal to update"),
					"description": str("Corrected description"),
					"calories":    number("Corrected calories"),
					"protein":     number("Corrected protein in grams"),
					"carbs":       number("Corrected carbohydrates in grams"),
					"fat":         number("Corrected fat in grams"),
				},
				"required": []string{"meal_id"},
			},
		}},
		{Type: "function", Function: &openai.FunctionDef{
			Name:        ToolUpdateWeight,
			Description: "Correct a previously logged weight entry.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"log_id":    str("Id of the weight entry to update"),
					"weight_kg": number("Corrected weight in kilograms"),
				},
				"required": []string{"log_id", "weight_kg"},
			},
		}},
	}
}

// UpdateMealArgs is the typed form of update_meal arguments. Optional fields
// are pointers so "absent" and "zero" stay distinguishable.
type UpdateMealArgs struct {
	MealID      string   `json:"meal_id"`
	Description *string  `json:"description"`
	Calories    *float64 `json:"calories"`
	Protein     *float64 `json:"protein"`
	Carbs       *float64 `json:"carbs"`
	Fat         *float64 `json:"fat"`
}

type UpdateWeightArgs struct {
	LogID    string   `json:"log_id"`
	WeightKg *float64 `json:"weight_kg"`
}

func toolFailure(message string) map[string]any {
	return map[string]any{"success": false, "message": message}
}

// executeToolCall resolves one tool call to a result map. update_meal and
// update_weight are handled internally when a user id is available; the
// other known tools go to the caller's dispatcher. One tool's failure must
// never abort the batch, so every path returns a result.
func (s *AssistantService) executeToolCall(ctx context.Context, call openai.ToolCall, dispatcher ToolDispatcher, userID int64) (result map[string]any) {
	name := call.Function.Name
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Tool %s panicked: %v", name, r)
			result = toolFailure(fmt.Sprintf("Error executing %s", name))
		}
	}()

	args := json.RawMessage(call.Function.Arguments)

	switch name {
	case ToolUpdateMeal:
		if userID > 0 {
			return s.handleUpdateMeal(args, userID)
		}
	case ToolUpdateWeight:
		if userID > 0 {
			return s.handleUpdateWeight(args, userID)
		}
	case ToolLogMeal, ToolLogWeight, ToolGetNutritionInfo:
		// Forwarded below.
	default:
		return toolFailure(fmt.Sprintf("Unknown tool: %s", name))
	}

	if dispatcher == nil {
		return toolFailure(fmt.Sprintf("Error executing %s", name))
	}
	out, err := dispatcher(ctx, name, args)
	if err != nil {
		log.Printf("Dispatcher for tool %s failed: %v", name, err)
		return toolFailure(fmt.Sprintf("Error executing %s", name))
	}
	if out == nil {
		out = toolFailure(fmt.Sprintf("Error executing %s", name))
	}
	return out
}

func (s *AssistantService) handleUpdateMeal(raw json.RawMessage, userID int64) map[string]any {
	var args UpdateMealArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolFailure("Invalid update_meal arguments")
	}
	if args.MealID == "" {
		return toolFailure("meal_id is required")
	}

	meal, err := s.store.GetMealByID(args.MealID, userID)
	if err != nil {
		log.Printf("update_meal lookup failed for meal %s: %v", args.MealID, err)
		return toolFailure("Error executing update_meal")
	}
	if meal == nil {
		return toolFailure("Meal not found")
	}

	fields := map[string]any{}
	if args.Description != nil {
		fields["description"] = *args.Description
	}
	if args.Calories != nil {
		fields["calories"] = *args.Calories
	}
	if args.Protein != nil {
		fields["protein"] = *args.Protein
	}
	if args.Carbs != nil {
		fields["carbs"] = *args.Carbs
	}
	if args.Fat != nil {
		fields["fat"] = *args.Fat
	}
	if len(fields) == 0 {
		return toolFailure("No fields to update")
	}

	if err := s.store.UpdateMealFields(args.MealID, userID, fields); err != nil {
		log.Printf("update_meal failed for meal %s: %v", args.MealID, err)
		return toolFailure("Error executing update_meal")
	}
	return map[string]any{"success": true, "message": "Meal updated", "meal_id": args.MealID}
}

func (s *AssistantService) handleUpdateWeight(raw json.RawMessage, userID int64) map[string]any {
	var args UpdateWeightArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return toolFailure("Invalid update_weight arguments")
	}
	if args.LogID == "" {
		return toolFailure("log_id is required")
	}
	if args.WeightKg == nil {
		return toolFailure("weight_kg is required")
	}

	entry, err := s.store.GetWeightLogByID(args.LogID, userID)
	if err != nil {
		log.Printf("update_weight lookup failed for log %s: %v", args.LogID, err)
		return toolFailure("Error executing update_weight")
	}
	if entry == nil {
		return toolFailure("Weight entry not found")
	}

	if err := s.store.UpdateWeightLog(args.LogID, userID, *args.WeightKg); err != nil {
		log.Printf("update_weight failed for log %s: %v", args.LogID, err)
		return toolFailure("Error executing update_weight")
	}
	return map[string]any{"success": true, "message": "Weight entry updated", "log_id": args.LogID}
}
