package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"luau-runner/internal/config"
	"luau-runner/internal/console"
	"luau-runner/internal/mcpserver"
	"luau-runner/internal/monitor"
	"luau-runner/internal/playground"
	"luau-runner/internal/sandbox"
	"luau-runner/internal/storage"
)

// localRuntime is an in-process dispatcher with its own history.
type localRuntime struct {
	dispatcher *playground.Dispatcher
	history    storage.HistoryStore
	provider   *sandbox.Provider
	db         *storage.DB
}

func newLocalRuntime(ctx context.Context) (*localRuntime, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if mode != "" {
		cfg.Runtime.Mode = mode
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	provider, err := sandbox.NewProvider(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("initialising %s runtime: %w", cfg.Runtime.Mode, err)
	}

	rt := &localRuntime{provider: provider, history: storage.NewMemoryStore()}
	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, history kept in memory")
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("creating history schema failed, history kept in memory")
			db.Close()
		} else {
			rt.db = db
			rt.history = db
		}
	}

	rt.dispatcher = playground.NewDispatcher(provider.ForSession(ctx), playground.Options{
		SessionID: "local",
		Recorder:  storage.NewSyncRecorder(rt.history),
		Detector:  monitor.NewCodeDetector(),
		Timeout:   cfg.Runtime.Timeout,
	})
	return rt, nil
}

// waitReady blocks until the runtime has loaded or timeout passes.
func (rt *localRuntime) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := rt.dispatcher.WaitReady(ctx); err != nil {
		return fmt.Errorf("%s runtime not ready: %w", rt.dispatcher.Mode(), err)
	}
	return nil
}

func (rt *localRuntime) Close() {
	rt.dispatcher.Close()
	rt.provider.Close()
	if rt.db != nil {
		rt.db.Close()
	}
}

func runLocal(ctx context.Context, code string) error {
	rt, err := newLocalRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.waitReady(ctx, 10*time.Second); err != nil {
		return err
	}

	p := console.NewPlayground(rt.dispatcher, code, isatty.IsTerminal(os.Stdout.Fd()))
	p.Run(ctx)
	if err := p.View.Render(os.Stdout); err != nil {
		return err
	}
	if p.View.Mode() == console.Failed {
		return errScriptFailed
	}
	return nil
}

const replHelp = `Enter Luau code, then a command on its own line:
  .run          run the buffer
  .clear        clear the buffer
  .show         print the buffer
  .history [n]  list recent runs
  .load <id>    load a run from history into the buffer
  .quit         exit`

func runRepl(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := newLocalRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	color := isatty.IsTerminal(os.Stdout.Fd())
	p := console.NewPlayground(rt.dispatcher, "", color)

	fmt.Printf("Luau playground (%s mode). Type .help for commands.\n", rt.dispatcher.Mode())
	if err := rt.waitReady(ctx, 10*time.Second); err != nil {
		p.View.SetFailed("Runtime failed to load")
		p.View.Render(os.Stdout)
		return err
	}

	return repl(ctx, p, rt.history, os.Stdin, os.Stdout)
}

func repl(ctx context.Context, p *console.Playground, history storage.HistoryStore, in io.Reader, out io.Writer) error {
	var buf []string
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()

		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], ".") {
			buf = append(buf, line)
			continue
		}

		switch fields[0] {
		case ".quit", ".exit":
			return nil
		case ".help":
			fmt.Fprintln(out, replHelp)
		case ".clear":
			buf = nil
			p.Load("")
		case ".show":
			fmt.Fprintln(out, p.Editor.Text())
		case ".run":
			if len(buf) > 0 {
				if err := p.Load(strings.Join(buf, "\n")); err != nil {
					fmt.Fprintln(out, err)
					continue
				}
				buf = nil
			}
			if !p.CanRun() {
				fmt.Fprintln(out, "runtime not ready")
				continue
			}
			p.Run(ctx)
			p.View.Render(out)
		case ".history":
			limit := 10
			if len(fields) > 1 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					limit = n
				}
			}
			snippets, err := history.ListRecent(ctx, storage.ClampLimit(limit))
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			for _, s := range snippets {
				fmt.Fprintf(out, "#%d  %s\n", s.ID, firstLine(s.Code))
			}
		case ".load":
			if len(fields) < 2 {
				fmt.Fprintln(out, "usage: .load <id>")
				continue
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Fprintln(out, "usage: .load <id>")
				continue
			}
			code, err := findSnippet(ctx, history, id)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			buf = nil
			if err := p.Load(code); err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			fmt.Fprintln(out, code)
		default:
			buf = append(buf, line)
		}
	}
}

func findSnippet(ctx context.Context, history storage.HistoryStore, id int64) (string, error) {
	snippets, err := history.ListRecent(ctx, storage.MaxRecent)
	if err != nil {
		return "", err
	}
	for _, s := range snippets {
		if s.ID == id {
			return s.Code, nil
		}
	}
	return "", errors.New("no run with that id in recent history")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := newLocalRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.waitReady(ctx, 10*time.Second); err != nil {
		log.Warn().Err(err).Msg("serving before the runtime is ready")
	}

	server := mcpserver.NewServer(rt.dispatcher, rt.history, version)
	return server.Run(ctx, &mcp.StdioTransport{})
}
