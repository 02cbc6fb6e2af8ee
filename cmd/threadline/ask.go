package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/thread"
	"github.com/odvcencio/threadline/pkg/tool"
)

type askOptions struct {
	prompt  string
	model   string
	toolUse string
	save    bool
}

func runAskCommand(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	modelName := fs.String("model", "", "model to use (default from config)")
	toolUse := fs.String("tool-use", "", "tool mode: quick, explore or agent")
	yes := fs.Bool("yes", false, "allow tool calls that need confirmation")
	save := fs.Bool("save", true, "save the thread to history")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	interactive := stdinIsTerminalFn()
	if prompt == "" && !interactive {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		prompt = strings.TrimSpace(string(data))
		// Confirmation prompts cannot share a piped stdin.
		stdin = strings.NewReader("")
	}
	if prompt == "" {
		return withExitCode(errors.New("usage: threadline ask [flags] <prompt>"), exitUsage)
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, appOptions{withHistory: *save})
	if err != nil {
		return err
	}
	defer a.closeWithTimeout()

	return ask(ctx, a, askOptions{
		prompt:  prompt,
		model:   *modelName,
		toolUse: *toolUse,
		save:    *save,
	}, newConfirmer(stdin, stderr, interactive, *yes), stdout)
}

// ask submits one prompt on the active thread, streams the reply to out
// and answers pauses through c until the thread settles.
func ask(ctx context.Context, a *app, opts askOptions, c *confirmer, out io.Writer) error {
	if opts.toolUse != "" {
		if err := a.orch.SetToolUse(tool.Mode(opts.toolUse)); err != nil {
			return withExitCode(err, exitUsage)
		}
	}
	if opts.model != "" {
		a.orch.SetModel(opts.model)
	}
	st := a.orch.NewChat()
	id := st.Thread.ID

	printer := &streamPrinter{out: out, from: len(st.Thread.Messages)}
	sub, err := bus.SubscribeEvents(ctx, a.bus, bus.ThreadSubject(id, ">"), func(bus.Event) {
		if cur, ok := a.orch.Store().Get(id); ok {
			printer.update(cur)
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := a.orch.Submit(ctx, id, opts.prompt); err != nil {
		return err
	}

	for {
		if err := a.orch.Wait(ctx, id); err != nil {
			a.orch.Abort(id)
			waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.orch.Wait(waitCtx, id)
			cancel()
			fmt.Fprintln(out)
			return withExitCode(errors.New("interrupted"), exitInterrupted)
		}

		cur, ok := a.orch.Store().Get(id)
		if !ok {
			return apperrors.New(apperrors.ErrCodeThreadNotFound, "thread disappeared")
		}
		printer.update(cur)

		switch {
		case cur.Error != "":
			fmt.Fprintln(out)
			saveThread(ctx, a, opts, cur.Thread)
			return withExitCode(errors.New(cur.Error), exitFailure)
		case cur.Paused():
			summary, err := a.orch.PauseSummary(id)
			if err != nil {
				return err
			}
			if err := c.resolve(ctx, a.orch, id, summary); err != nil {
				return err
			}
		default:
			fmt.Fprintln(out)
			saveThread(ctx, a, opts, cur.Thread)
			return nil
		}
	}
}

// saveThread stores t in history; failures only warn.
func saveThread(ctx context.Context, a *app, opts askOptions, t conversation.Thread) {
	if !opts.save || a.history == nil {
		return
	}
	if err := a.history.Save(context.WithoutCancel(ctx), t); err != nil {
		fmt.Fprintf(stderr, "warning: saving thread: %v\n", err)
	}
}

// streamPrinter writes the part of each reply message not yet printed.
// Messages before from belong to the prompt.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	from    int
	printed map[int]int
	calls   map[string]bool
}

func (p *streamPrinter) update(st thread.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed == nil {
		p.printed = make(map[int]int)
		p.calls = make(map[string]bool)
	}

	msgs := st.Thread.Messages
	for i := p.from; i < len(msgs); i++ {
		switch m := msgs[i].(type) {
		case conversation.AssistantMessage:
			text := m.Text()
			if n := p.printed[i]; len(text) > n {
				fmt.Fprint(p.out, text[n:])
				p.printed[i] = len(text)
			}
			// Arguments are complete once the stream ends.
			if st.Phase() == thread.PhaseStreaming {
				continue
			}
			for _, call := range m.ToolCalls {
				if !p.calls[call.ID] {
					fmt.Fprintf(p.out, "\n> %s(%s)\n", call.Function.Name, call.Function.Arguments)
					p.calls[call.ID] = true
				}
			}
		case conversation.ToolMessage:
			if p.printed[i] == 0 {
				fmt.Fprintf(p.out, "< %s\n", firstLine(m.Content))
				p.printed[i] = 1
			}
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
