package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"

	"helmsman/internal/logging"
)

// InteractiveApprover answers gate requests from a terminal. It drains the
// gate's request feed and prompts per request, so `helmsman run` can gate
// work items without a server round trip.
type InteractiveApprover struct {
	gate         *Gate
	autoApprove  bool
	colorEnabled bool
	logger       logging.Logger

	// prompt is swapped in tests to avoid a real terminal.
	prompt func(request Request) (bool, string, error)
}

// NewInteractiveApprover creates an approver bound to gate.
func NewInteractiveApprover(gate *Gate, autoApprove, colorEnabled bool) *InteractiveApprover {
	a := &InteractiveApprover{
		gate:         gate,
		autoApprove:  autoApprove,
		colorEnabled: colorEnabled,
		logger:       logging.NewComponentLogger("InteractiveApprover"),
	}
	a.prompt = a.promptTerminal
	return a
}

// Serve consumes requests until ctx is done.
func (a *InteractiveApprover) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-a.gate.Requests():
			a.handle(request)
		}
	}
}

func (a *InteractiveApprover) handle(request Request) {
	if a.autoApprove {
		a.gate.Reply(request.ID, true, "auto-approved")
		return
	}

	granted, reason, err := a.prompt(request)
	if err != nil {
		a.logger.Warn("approval prompt for %s failed: %v", request.ID, err)
		return
	}
	a.gate.Reply(request.ID, granted, reason)
}

func (a *InteractiveApprover) promptTerminal(request Request) (bool, string, error) {
	separator := strings.Repeat("=", 72)

	fmt.Println()
	fmt.Println(a.colorize(separator, color.FgCyan))
	fmt.Println(a.colorize(fmt.Sprintf("Approval needed: %s", request.Kind), color.FgYellow, color.Bold))
	fmt.Println(a.colorize(fmt.Sprintf("Mission:   %s", request.MissionID), color.FgWhite))
	fmt.Println(a.colorize(fmt.Sprintf("Work item: %s", request.WorkItemID), color.FgWhite))
	if request.Summary != "" {
		fmt.Println(a.colorize(request.Summary, color.FgCyan))
	}
	fmt.Println(a.colorize(separator, color.FgCyan))

	selector := promptui.Select{
		Label: "Decision",
		Items: []string{"Approve", "Deny"},
	}
	_, choice, err := selector.Run()
	if err != nil {
		return false, "", err
	}
	if choice == "Approve" {
		return true, "approved by operator", nil
	}

	reasonPrompt := promptui.Prompt{Label: "Denial reason", Default: "denied by operator"}
	reason, err := reasonPrompt.Run()
	if err != nil {
		return false, "", err
	}
	return false, reason, nil
}

func (a *InteractiveApprover) colorize(text string, attributes ...color.Attribute) string {
	if !a.colorEnabled {
		return text
	}
	return color.New(attributes...).Sprint(text)
}

// AutoApprover grants everything. Useful for tests and unattended runs.
type AutoApprover struct {
	gate *Gate
}

// NewAutoApprover creates an approver that grants every request on gate.
func NewAutoApprover(gate *Gate) *AutoApprover {
	return &AutoApprover{gate: gate}
}

// Serve consumes requests until ctx is done, approving each.
func (a *AutoApprover) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case request := <-a.gate.Requests():
			a.gate.Reply(request.ID, true, "auto-approved")
		}
	}
}
