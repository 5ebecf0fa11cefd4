package tools

import (
	"encoding/json"
	"fmt"
)

type availabilityArgs struct {
	Date    string `json:"date,omitempty"`
	Service string `json:"service,omitempty"`
}

type availabilityResult struct {
	Slots []string `json:"slots"`
	Note  string   `json:"note,omitempty"`
}

// CheckAvailability returns the open consultation slots as a JSON string.
// Arguments arrive as the raw JSON the model produced.
func CheckAvailability(argsJSON string) (string, error) {
	var args availabilityArgs
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	result := availabilityResult{
		Slots: []string{"2:00 PM", "4:00 PM"},
	}
	if args.Date != "" {
		result.Note = "Availability shown for " + args.Date
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}
