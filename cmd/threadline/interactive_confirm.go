package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/odvcencio/threadline/pkg/approval"
	"github.com/odvcencio/threadline/pkg/chat"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var stdinIsTerminalFn = stdinIsTerminal

// confirmer answers pauses for the ask command.
type confirmer struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	assumeYes   bool
}

func newConfirmer(in io.Reader, out io.Writer, interactive, assumeYes bool) *confirmer {
	return &confirmer{in: bufio.NewReader(in), out: out, interactive: interactive, assumeYes: assumeYes}
}

// resolve shows the pause and resumes thread id with the user's answer.
// Without a terminal it confirms only with --yes and rejects otherwise.
func (c *confirmer) resolve(ctx context.Context, orch *chat.Orchestrator, id string, summary approval.Summary) error {
	fmt.Fprintf(c.out, "\n%s\n", summary.Text())

	if !summary.CanConfirm() {
		fmt.Fprintln(c.out, "Rejecting denied tool calls.")
		return orch.RejectToolUsage(ctx, id, nil)
	}
	if c.assumeYes {
		return orch.ConfirmToolUsage(ctx, id)
	}
	if !c.interactive {
		fmt.Fprintln(c.out, "Not a terminal; rejecting (use --yes to allow).")
		return orch.RejectToolUsage(ctx, id, nil)
	}

	if summary.PatchOnly() {
		for {
			answer, err := c.ask("Apply? [y]es once, [a]lways for this thread, [n]o: ")
			if err != nil {
				return err
			}
			if answer == "" {
				return orch.ConfirmPatch(ctx, id, approval.PatchStop)
			}
			choice, err := approval.ParsePatchChoice(answer)
			if err != nil {
				fmt.Fprintln(c.out, err)
				continue
			}
			return orch.ConfirmPatch(ctx, id, choice)
		}
	}

	answer, err := c.ask("Run these tool calls? [y/N]: ")
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return orch.ConfirmToolUsage(ctx, id)
	default:
		return orch.RejectToolUsage(ctx, id, nil)
	}
}

func (c *confirmer) ask(prompt string) (string, error) {
	fmt.Fprint(c.out, prompt)
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
