// Package approval implements the interactive terminal gate for dangerous
// command families. Non-interactive sessions auto-deny.
package approval

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type Result struct {
	Approved   bool
	UserAction string
}

// Prompt describes the action awaiting an operator decision.
type Prompt struct {
	ToolID           string
	Label            string
	CommandTemplate  string
	FamilyID         string
	DangerCategories []string
	Rationale        string
}

func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Ask renders the approval prompt on stderr and reads the decision from
// stdin. Approving covers the whole command family, not just this action.
func Ask(p Prompt) Result {
	if !IsInteractive() {
		return Result{
			Approved:   false,
			UserAction: "auto_deny_non_interactive",
		}
	}
	return ask(p, os.Stdin, os.Stderr)
}

func ask(p Prompt, in io.Reader, out io.Writer) Result {
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║              ⚠️  APPROVAL REQUIRED                            ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "Tool:    %s (%s)\n", p.ToolID, p.Label)
	fmt.Fprintf(out, "Command: %s\n", p.CommandTemplate)
	fmt.Fprintf(out, "Family:  %s\n", p.FamilyID)

	if len(p.DangerCategories) > 0 {
		fmt.Fprintf(out, "Danger categories: %s\n", strings.Join(p.DangerCategories, ", "))
	}
	if p.Rationale != "" {
		fmt.Fprintf(out, "Rationale: %s\n", p.Rationale)
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	fmt.Fprintln(out, "  [a] Approve family - run this and future commands of this family")
	fmt.Fprintln(out, "  [d] Deny - block this command")
	fmt.Fprintln(out, "")

	reader := bufio.NewReader(in)

	for {
		fmt.Fprint(out, "Your choice [a/d]: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return Result{
				Approved:   false,
				UserAction: "error_reading_input",
			}
		}

		input = strings.TrimSpace(strings.ToLower(input))

		switch input {
		case "a", "approve", "yes", "y":
			return Result{
				Approved:   true,
				UserAction: "approve_family",
			}
		case "d", "deny", "no", "n":
			return Result{
				Approved:   false,
				UserAction: "deny",
			}
		default:
			fmt.Fprintln(out, "Invalid input. Please enter 'a' to approve or 'd' to deny.")
		}
	}
}
