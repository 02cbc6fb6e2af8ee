package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/history"
)

// withRepo loads the config and opens history for fn.
func withRepo(fn func(ctx context.Context, repo *history.Repository) error) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	repo, closeStore, err := openHistory(cfg, nil)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(context.Background(), repo)
}

func runHistoryCommand(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = strings.TrimSpace(args[0])
		args = args[1:]
	}
	switch sub {
	case "list", "ls":
		return withRepo(listHistory)
	case "show":
		id, err := singleArg("history show <id>", args)
		if err != nil {
			return err
		}
		return withRepo(func(ctx context.Context, repo *history.Repository) error {
			return exportThread(ctx, repo, id, conversation.ExportOptions{
				Format:           conversation.ExportMarkdown,
				IncludeToolCalls: true,
			}, "")
		})
	case "delete", "rm":
		id, err := singleArg("history delete <id>", args)
		if err != nil {
			return err
		}
		return withRepo(func(ctx context.Context, repo *history.Repository) error {
			if _, err := repo.Load(ctx, id); err != nil {
				return err
			}
			if err := repo.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Deleted %s\n", id)
			return nil
		})
	case "rollback":
		id, err := singleArg("history rollback <id>", args)
		if err != nil {
			return err
		}
		return withRepo(func(ctx context.Context, repo *history.Repository) error {
			t, err := repo.Rollback(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Rolled back %s to %d messages\n", id, len(t.Messages))
			return nil
		})
	case "import":
		path, err := singleArg("history import <file>", args)
		if err != nil {
			return err
		}
		return withRepo(func(ctx context.Context, repo *history.Repository) error {
			return importThread(ctx, repo, path)
		})
	default:
		return withExitCode(fmt.Errorf("usage: threadline history <list|show|delete|rollback|import>"), exitUsage)
	}
}

func listHistory(ctx context.Context, repo *history.Repository) error {
	summaries, err := repo.List(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(stdout, "No saved threads.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tTOKENS\tTITLE")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.MessageCount, s.Tokens, s.Title)
	}
	return tw.Flush()
}

func runExportCommand(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "markdown", "markdown or json")
	out := fs.String("out", "", "write to this file instead of stdout")
	system := fs.Bool("system", false, "include the system prompt")
	tools := fs.Bool("tools", true, "include tool calls and results")
	contextFiles := fs.Bool("context", false, "include context files and memories")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	id, err := singleArg("export [flags] <id>", fs.Args())
	if err != nil {
		return err
	}
	parsed, err := conversation.ParseExportFormat(*format)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	return withRepo(func(ctx context.Context, repo *history.Repository) error {
		return exportThread(ctx, repo, id, conversation.ExportOptions{
			Format:           parsed,
			IncludeSystem:    *system,
			IncludeToolCalls: *tools,
			IncludeContext:   *contextFiles,
		}, *out)
	})
}

func exportThread(ctx context.Context, repo *history.Repository, id string, opts conversation.ExportOptions, outPath string) error {
	t, err := repo.Load(ctx, id)
	if err != nil {
		return err
	}
	data, err := conversation.Export(t, opts)
	if err != nil {
		return err
	}
	if outPath == "" {
		_, err := stdout.Write(data)
		return err
	}
	f, err := openPrivate(outPath)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func importThread(ctx context.Context, repo *history.Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	t, err := conversation.ImportJSON(data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "import "+path)
	}
	if err := repo.Save(ctx, t); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Imported %s\n", t.ID)
	return nil
}

func singleArg(usage string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", withExitCode(errors.New("usage: threadline "+usage), exitUsage)
	}
	return strings.TrimSpace(args[0]), nil
}
