package tools

import (
	"encoding/json"
	"fmt"
)

type bookingArgs struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Time  string `json:"time"`
}

type bookingResult struct {
	Status       string `json:"status"`
	Confirmation string `json:"confirmation"`
	Name         string `json:"name,omitempty"`
	Time         string `json:"time,omitempty"`
}

// BookAppointment records a consultation booking and returns a JSON
// confirmation string.
func BookAppointment(argsJSON string) (string, error) {
	var args bookingArgs
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	result := bookingResult{
		Status:       "success",
		Confirmation: "TL-992",
		Name:         args.Name,
		Time:         args.Time,
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}
