// Command tally runs a tool-calling arithmetic agent against an
// OpenAI-compatible chat model.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/flynn-ai/tally/internal/agent"
	"github.com/flynn-ai/tally/internal/config"
	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/logging"
	"github.com/flynn-ai/tally/internal/mcpserver"
	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/render"
	"github.com/flynn-ai/tally/internal/tools"
	"github.com/flynn-ai/tally/internal/transcript"
)

const version = "0.1.0"

const defaultPrompt = "ADD 3 and 4"

const usage = `tally - arithmetic agent with tool calling

Prerequisites:
  - Set OPENAI_API_KEY (environment or .env file)
  - (Optional) TALLY_MODEL and TALLY_BASE_URL override the configured model

Usage: tally [flags] [command]

Flags:
  -config string   Config file (default %s)
  -json            Print the run result as JSON
  -model string    Override the model name
  -v               Debug logging on stderr

Commands:
  [run] <prompt...>   Run the agent once (default prompt %q)
  mcp                 Serve the arithmetic tools over MCP on stdio
  history [n|id]      List the n most recent runs, or print one run
  tools               Print the tool declarations sent to the model
  help                Display this help message
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	jsonOut    bool
	model      string
	verbose    bool
}

type app struct {
	cfg    *config.Config
	opts   options
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tally", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintf(stderr, usage, config.DefaultPath(), defaultPrompt) }

	var opts options
	fs.StringVar(&opts.configPath, "config", config.DefaultPath(), "config file")
	fs.BoolVar(&opts.jsonOut, "json", false, "print the run result as JSON")
	fs.StringVar(&opts.model, "model", "", "override the model name")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(stderr, errors.FormatUserMessage(err))
		return 1
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, errors.FormatUserMessage(err))
		return 1
	}
	if opts.model != "" {
		cfg.Model.Name = opts.model
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, errors.FormatUserMessage(err))
		return 1
	}

	a := &app{
		cfg:    cfg,
		opts:   opts,
		log:    logging.New(stderr, cfg.Log.Level, cfg.Log.Format),
		stdout: stdout,
		stderr: stderr,
	}

	rest := fs.Args()
	cmd := "run"
	if len(rest) > 0 {
		switch rest[0] {
		case "run", "mcp", "history", "tools", "help", "h":
			cmd, rest = rest[0], rest[1:]
		}
	}

	switch cmd {
	case "help", "h":
		fs.Usage()
		return 0
	case "tools":
		return a.tools()
	case "mcp":
		return a.serveMCP(ctx)
	case "history":
		return a.history(ctx, rest)
	default:
		prompt := strings.TrimSpace(strings.Join(rest, " "))
		if prompt == "" {
			prompt = defaultPrompt
		}
		return a.runOnce(ctx, prompt)
	}
}

func (a *app) fail(err error) int {
	fmt.Fprintln(a.stderr, errors.FormatUserMessage(err))
	return 1
}

func (a *app) runOnce(ctx context.Context, prompt string) int {
	if err := a.cfg.RequireAPIKey(); err != nil {
		return a.fail(err)
	}

	client := model.NewOpenAIClient(&model.OpenAIConfig{
		APIKey:      a.cfg.Model.APIKey,
		BaseURL:     a.cfg.Model.BaseURL,
		Model:       a.cfg.Model.Name,
		Timeout:     time.Duration(a.cfg.Model.TimeoutSeconds) * time.Second,
		MaxRetries:  a.cfg.Model.MaxRetries,
		Temperature: a.cfg.Model.Temperature,
		MaxTokens:   a.cfg.Model.MaxTokens,
	})

	ag, err := agent.New(&agent.Config{
		Model:        client,
		Tools:        tools.NewDefaultRegistry(),
		SystemPrompt: a.cfg.Agent.SystemPrompt,
		MaxSteps:     a.cfg.Agent.MaxSteps,
		ToolErrors:   agent.ToolErrorPolicy(a.cfg.Agent.ToolErrors),
		MaxTokens:    a.cfg.Model.MaxTokens,
		Temperature:  &a.cfg.Model.Temperature,
		Logger:       a.log,
	})
	if err != nil {
		return a.fail(err)
	}

	res, runErr := ag.Run(ctx, prompt)
	if res == nil {
		return a.fail(runErr)
	}

	a.saveTranscript(res)

	if a.opts.jsonOut {
		if err := render.JSON(a.stdout, res); err != nil {
			return a.fail(err)
		}
	} else {
		p := render.New(a.stdout)
		p.Messages(res.Messages)
		p.Outcome(res.StateName, runErr, res.Stats)
	}

	if runErr != nil {
		return 1
	}
	return 0
}

// saveTranscript stores res when transcripts are enabled. A store failure
// does not change the outcome of the run.
func (a *app) saveTranscript(res *agent.Result) {
	if !a.cfg.Transcript.Enabled {
		return
	}
	store, err := transcript.Open(a.cfg.Transcript.Path)
	if err != nil {
		a.log.Warn("transcript unavailable", "error", err)
		return
	}
	defer store.Close()

	// Saved even when the run was canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveRun(ctx, transcript.FromResult(res)); err != nil {
		a.log.Warn("transcript not saved", "run_id", res.RunID, "error", err)
	}
}

func (a *app) history(ctx context.Context, args []string) int {
	if !a.cfg.Transcript.Enabled {
		return a.fail(errors.NewBuilder(errors.CodeConfigInvalid, "transcripts are disabled").
			User().
			WithSuggestion("Set enabled = true under [transcript] in " + a.opts.configPath).
			Build())
	}

	store, err := transcript.Open(a.cfg.Transcript.Path)
	if err != nil {
		return a.fail(err)
	}
	defer store.Close()

	limit := 10
	if len(args) > 0 {
		n, convErr := strconv.Atoi(args[0])
		if convErr != nil {
			return a.showRun(ctx, store, args[0])
		}
		limit = n
	}

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return a.fail(err)
	}
	if a.opts.jsonOut {
		if err := render.JSON(a.stdout, runs); err != nil {
			return a.fail(err)
		}
		return 0
	}
	render.New(a.stdout).Runs(runs)
	return 0
}

func (a *app) showRun(ctx context.Context, store *transcript.Store, id string) int {
	r, err := store.GetRun(ctx, id)
	if err != nil {
		return a.fail(err)
	}
	if a.opts.jsonOut {
		if err := render.JSON(a.stdout, r); err != nil {
			return a.fail(err)
		}
		return 0
	}
	p := render.New(a.stdout)
	p.Messages(r.Messages)
	var runErr error
	if r.Error != "" {
		runErr = stderrors.New(r.Error)
	}
	p.Outcome(r.State, runErr, r.Stats)
	return 0
}

func (a *app) tools() int {
	data, err := tools.NewDefaultRegistry().Schemas().ToJSON()
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stdout, string(data))
	return 0
}

func (a *app) serveMCP(ctx context.Context) int {
	srv := mcpserver.New(tools.NewDefaultRegistry(), version, a.log)
	if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		return a.fail(err)
	}
	return 0
}
