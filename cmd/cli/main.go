package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errScriptFailed is returned after a failed run has already been printed.
var errScriptFailed = errors.New("script failed")

var (
	serverURL  string
	apiKey     string
	sessionID  string
	local      bool
	configPath string
	mode       string
	limit      int
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:           "luau-cli",
		Short:         "Run Luau snippets against a playground server or locally",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:5000", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PLAYGROUND_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("PLAYGROUND_SESSION"), "Session ID sent as X-Session-ID")
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file for local execution")
	root.PersistentFlags().StringVar(&mode, "mode", "", "Integration mode for local execution (process, embedded)")

	runCmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run code (from the argument or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&local, "local", false, "Run in-process instead of on the server")
	root.AddCommand(runCmd)

	runFileCmd := &cobra.Command{
		Use:   "run-file [file]",
		Short: "Run code from a .luau or .lua file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunFile,
	}
	runFileCmd.Flags().BoolVar(&local, "local", false, "Run in-process instead of on the server")
	root.AddCommand(runFileCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs, newest first",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of entries (1-50)")
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	root.AddCommand(&cobra.Command{
		Use:   "repl",
		Short: "Interactive local playground",
		RunE:  runRepl,
	})

	root.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve the playground as MCP tools over stdio",
		RunE:  runMCP,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errScriptFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	if local {
		return runLocal(cmd.Context(), code)
	}
	return runRemote(code)
}

func runRunFile(cmd *cobra.Command, args []string) error {
	switch ext := fileExtension(args[0]); ext {
	case ".luau", ".lua":
	default:
		return fmt.Errorf("unsupported extension %q, want .luau or .lua", ext)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if local {
		return runLocal(cmd.Context(), string(data))
	}
	return runRemote(string(data))
}

type runResponse struct {
	Output  string `json:"output"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func runRemote(code string) error {
	body, _ := json.Marshal(map[string]string{"code": code})

	req, err := newRequest(http.MethodPost, "/api/run", bytes.NewReader(body))
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result runResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Field != "" {
			return fmt.Errorf("%s (%s): %s", resp.Status, result.Field, result.Message)
		}
		return fmt.Errorf("%s: %s", resp.Status, result.Message)
	}

	fmt.Println(result.Output)
	if result.Error != "" {
		fmt.Fprintln(os.Stderr, "Error: "+result.Error)
		return errScriptFailed
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is %v", result["status"])
	}
	return nil
}

func runHistory(_ *cobra.Command, _ []string) error {
	req, err := newRequest(http.MethodGet, "/api/history?limit="+url.QueryEscape(strconv.Itoa(limit)), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history: %s", resp.Status)
	}

	var entries []struct {
		ID        int64     `json:"id"`
		Code      string    `json:"code"`
		Output    *string   `json:"output"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	for _, e := range entries {
		out := "(none)"
		if e.Output != nil {
			out = *e.Output
		}
		fmt.Printf("#%d  %s\n%s\n--- output\n%s\n\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Code, out)
	}
	return nil
}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return req, nil
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}
