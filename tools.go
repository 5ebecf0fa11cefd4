package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/apexbusiness-systems/tradeline247-railway/tools"
)

var errDispatchUnconfigured = errors.New("no dispatch number configured")

// ToolDispatcher executes model-requested tool calls. Execute always returns
// a JSON string so the result can be handed straight back to the model, even
// for unknown tools or failed executions.
type ToolDispatcher struct {
	cfg    *Config
	twilio *TwilioClient

	mu          sync.Mutex
	transferred map[string]bool // callSIDs already handed off
}

type toolError struct {
	Status  string `json:"status"` // always "error"
	Tool    string `json:"tool,omitempty"`
	Message string `json:"message"`
}

func NewToolDispatcher(cfg *Config, twilio *TwilioClient) *ToolDispatcher {
	return &ToolDispatcher{
		cfg:         cfg,
		twilio:      twilio,
		transferred: make(map[string]bool),
	}
}

func (d *ToolDispatcher) Execute(ctx context.Context, callSID, name, argsJSON string) string {
	log.Printf("[Tools] %s: executing %s(%s)", callSID, name, argsJSON)

	var result string
	var err error
	switch name {
	case "check_availability":
		result, err = tools.CheckAvailability(argsJSON)
	case "book_appointment":
		result, err = tools.BookAppointment(argsJSON)
	case "transfer_call":
		result, err = d.transferCall(ctx, callSID)
	default:
		log.Printf("[Tools] %s: unknown tool %q", callSID, name)
		return errorResult(name, "unknown tool")
	}

	if err != nil {
		log.Printf("[Tools] %s: %s failed: %v", callSID, name, err)
		return errorResult(name, err.Error())
	}
	return result
}

// transferCall hands the caller to the dispatch line. A call is transferred
// at most once; repeats report the prior hand-off instead of redialing.
func (d *ToolDispatcher) transferCall(ctx context.Context, callSID string) (string, error) {
	d.mu.Lock()
	if d.transferred[callSID] {
		d.mu.Unlock()
		return `{"status":"already_transferred"}`, nil
	}
	d.transferred[callSID] = true
	d.mu.Unlock()

	if d.cfg.DispatchPhoneNumber == "" {
		d.mu.Lock()
		delete(d.transferred, callSID)
		d.mu.Unlock()
		return "", errDispatchUnconfigured
	}

	if err := d.twilio.TransferCall(ctx, callSID, d.cfg.DispatchPhoneNumber); err != nil {
		d.mu.Lock()
		delete(d.transferred, callSID)
		d.mu.Unlock()
		return "", err
	}
	return `{"status":"transferring","message":"Connecting the caller to dispatch."}`, nil
}

func errorResult(tool, message string) string {
	out, err := json.Marshal(toolError{Status: "error", Tool: tool, Message: message})
	if err != nil {
		return `{"status":"error","message":"internal error"}`
	}
	return string(out)
}
