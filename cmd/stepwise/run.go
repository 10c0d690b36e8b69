package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/helpers"
	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/inference/engine/factory"
	"github.com/go-go-golems/stepwise/pkg/inference/middleware"
	"github.com/go-go-golems/stepwise/pkg/inference/session"
	"github.com/go-go-golems/stepwise/pkg/inference/toolloop"
	"github.com/go-go-golems/stepwise/pkg/inference/tools"
	"github.com/go-go-golems/stepwise/pkg/inference/tools/mcptools"
	"github.com/go-go-golems/stepwise/pkg/settings"
	"github.com/go-go-golems/stepwise/pkg/stream"
	"github.com/go-go-golems/stepwise/pkg/turns"
	"github.com/go-go-golems/stepwise/pkg/turns/serde"
)

const eventsTopic = "events"

// flagKeys maps run flags onto settings keys.
var flagKeys = map[string]string{
	"provider":            "engine.provider",
	"script":              "engine.script",
	"repeat-last":         "engine.repeat-last",
	"model":               "engine.openai.model",
	"base-url":            "engine.openai.base-url",
	"max-steps":           "loop.max-steps",
	"tool-choice":         "loop.tool-choice",
	"allowed-tools":       "tools.allowed-tools",
	"max-parallel-tools":  "tools.max-parallel-tools",
	"tool-error-handling": "tools.tool-error-handling",
	"execution-timeout":   "tools.execution-timeout",
	"system":              "system",
	"timeout":             "timeout",
	"output":              "output",
}

func NewRunCommand() (*cobra.Command, error) {
	defaults := settings.NewRunSettings()

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a prompt through the step controller and stream its events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			v, err := settings.NewViper(configFile)
			if err != nil {
				return err
			}
			for flag, key := range flagKeys {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return errors.Wrapf(err, "could not bind flag %s", flag)
				}
			}
			s, err := loadRunSettings(v, cmd)
			if err != nil {
				return err
			}

			opts := runOptions{}
			opts.HistoryFile, _ = cmd.Flags().GetString("history")
			opts.PrintHistory, _ = cmd.Flags().GetBool("print-history")
			schemaFile, _ := cmd.Flags().GetString("output-schema")
			if schemaFile != "" {
				opts.Structured, err = loadOutputSchema(schemaFile)
				if err != nil {
					return err
				}
			}

			res, err := runPrompt(cmd.Context(), s, opts, strings.Join(args, " "), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if res != nil && res.Outcome == toolloop.OutcomeCancelled {
				return errors.New("run aborted")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("provider", string(defaults.Engine.Provider), "Backend provider (scripted, openai)")
	f.String("script", "", "YAML script replayed by the scripted provider")
	f.Bool("repeat-last", false, "Keep replaying the last scripted step")
	f.String("model", defaults.Engine.OpenAI.Model, "Model name")
	f.String("base-url", "", "Base URL of an OpenAI compatible endpoint")
	f.Int("max-steps", defaults.Loop.MaxSteps, "Maximum number of backend calls")
	f.String("tool-choice", string(defaults.Loop.ToolChoice), "Tool choice (auto, none, required)")
	f.StringSlice("allowed-tools", nil, "Glob patterns of tools the model may call")
	f.Int("max-parallel-tools", defaults.Tools.MaxParallelTools, "Maximum number of tools executed concurrently")
	f.String("tool-error-handling", string(defaults.Tools.ToolErrorHandling), "Tool failure handling (continue, abort, retry)")
	f.Duration("execution-timeout", defaults.Tools.ExecutionTimeout, "Timeout of a single tool execution")
	f.String("system", "", "System prompt")
	f.Duration("timeout", 0, "Timeout of the whole run (0 disables it)")
	f.String("output", string(defaults.Output), "Output format (text, ndjson, raw)")
	f.StringArray("mcp-command", nil, "MCP server to launch over stdio, as name:command args...")
	f.String("output-schema", "", "JSON schema file the final answer must satisfy")
	f.String("history", "", "YAML file the conversation is loaded from and saved to")
	f.Bool("print-history", false, "Print the conversation transcript after the run")

	return cmd, nil
}

func loadRunSettings(v *viper.Viper, cmd *cobra.Command) (*settings.RunSettings, error) {
	mcpCommands, _ := cmd.Flags().GetStringArray("mcp-command")
	servers, err := parseMCPCommands(mcpCommands)
	if err != nil {
		return nil, err
	}
	s, err := settings.FromViper(v)
	if err != nil {
		return nil, err
	}
	s.MCP = append(s.MCP, servers...)
	return s, nil
}

// parseMCPCommands parses "name:command args..." specs. The name defaults to mcp.
func parseMCPCommands(specs []string) ([]settings.MCPServer, error) {
	var ret []settings.MCPServer
	for _, spec := range specs {
		name := "mcp"
		if before, after, ok := strings.Cut(spec, ":"); ok && before != "" && !strings.ContainsAny(before, " /") {
			name, spec = before, after
		}
		fields := strings.Fields(spec)
		if len(fields) == 0 {
			return nil, errors.Errorf("empty mcp command %q", spec)
		}
		ret = append(ret, settings.MCPServer{Name: name, Command: fields[0], Args: fields[1:]})
	}
	return ret, nil
}

func loadOutputSchema(path string) (*engine.StructuredOutputConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read output schema %s", path)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, errors.Wrapf(err, "output schema %s is not valid JSON", path)
	}
	return &engine.StructuredOutputConfig{
		Mode:   engine.StructuredOutputModeJSONSchema,
		Name:   "output",
		Schema: schema,
	}, nil
}

func buildRegistry(ctx context.Context, servers []settings.MCPServer) (tools.ToolRegistry, func(), error) {
	builtins := tools.NewInMemoryToolRegistry()
	if err := builtinTools(builtins); err != nil {
		return nil, nil, err
	}
	var reg tools.ToolRegistry = builtins

	var clients []*mcptools.Client
	closeAll := func() {
		for _, c := range clients {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Str("server", c.Name()).Msg("stepwise: failed to close mcp session")
			}
		}
	}
	for _, m := range servers {
		c, err := mcptools.ConnectCommand(ctx, m.Name, m.Command, m.Args...)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients = append(clients, c)
		serverReg := tools.NewInMemoryToolRegistry()
		if err := c.Register(serverReg); err != nil {
			closeAll()
			return nil, nil, err
		}
		reg = mergeTools(reg, serverReg, m.Name)
	}

	log.Info().Strs("tools", tools.Names(reg)).Msg("stepwise: tool registry initialized")
	return reg, closeAll, nil
}

type runOptions struct {
	Structured *engine.StructuredOutputConfig
	// HistoryFile continues the conversation stored there and saves it back.
	HistoryFile  string
	PrintHistory bool
}

// runPrompt runs prompt in a session and writes the run's events to w until
// the stream closes. SIGINT and SIGTERM cancel the run.
func runPrompt(
	ctx context.Context,
	s *settings.RunSettings,
	opts runOptions,
	prompt string,
	w io.Writer,
) (*toolloop.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	eng, err := factory.NewEngineFromSettings(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create engine")
	}
	mws := []middleware.Middleware{middleware.NewLoggingMiddleware(log.Logger)}
	if s.System != "" {
		mws = append(mws, middleware.NewSystemPromptMiddleware(s.System))
	}
	eng = middleware.NewEngineWithMiddleware(eng, mws...)

	reg, closeTools, err := buildRegistry(ctx, s.MCP)
	if err != nil {
		return nil, err
	}
	defer closeTools()

	toolCalls := events.NewToolEventAggregator()
	loopOpts := []toolloop.Option{
		toolloop.WithEngine(eng),
		toolloop.WithEventSinks(toolCalls),
		toolloop.WithRegistry(reg),
		toolloop.WithLoopConfig(s.Loop),
		toolloop.WithToolConfig(s.Tools),
		toolloop.WithStepFinishHook(func(ctx context.Context, step toolloop.Step) {
			log.Debug().
				Int("step", step.Index).
				Str("finish_reason", string(step.FinishReason)).
				Int("tool_calls", len(step.ToolCalls)).
				Object("usage", step.Usage).
				Msg("stepwise: step finished")
		}),
	}
	if opts.Structured != nil {
		loopOpts = append(loopOpts, toolloop.WithStructuredOutput(*opts.Structured))
	}

	sess := session.NewSession(toolloop.New(loopOpts...))
	sess.History = turns.NewHistory()
	if opts.HistoryFile != "" {
		sess.History, err = serde.LoadHistoryYAML(opts.HistoryFile)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load history %s", opts.HistoryFile)
		}
	}
	if s.Timeout > 0 {
		sess.RunOptions = append(sess.RunOptions, session.WithTimeout(s.Timeout))
	}

	run, err := sess.PrepareRun(ctx, turns.NewUserMessage(prompt))
	if err != nil {
		return nil, err
	}
	sub := run.Subscribe()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			log.Warn().Str("run_id", run.ID).Msg("stepwise: interrupted, cancelling run")
			_ = sess.CancelActive()
		case <-run.Done():
		}
	}()

	if err := run.Start(); err != nil {
		return nil, err
	}

	eg := errgroup.Group{}
	switch s.Output {
	case settings.OutputNDJSON, settings.OutputRaw:
		if err := writeRouted(ctx, &eg, sub, s.Output, w); err != nil {
			sub.Close()
			return nil, err
		}
	default:
		eg.Go(func() error {
			printer := events.NewTextPrinter("", w)
			for e := range sub.Seq() {
				if err := printer(e); err != nil {
					sub.Close()
					return err
				}
			}
			return nil
		})
	}

	printErr := eg.Wait()
	res, runErr := run.Wait()
	for _, line := range toolCalls.Lines() {
		log.Info().Str("call", line).Msg("stepwise: tool call")
	}

	if opts.HistoryFile != "" {
		if err := serde.SaveHistoryYAML(opts.HistoryFile, sess.History); err != nil {
			log.Error().Err(err).Str("path", opts.HistoryFile).Msg("stepwise: failed to save history")
		}
	}
	if opts.PrintHistory {
		_, _ = io.WriteString(w, "\n--- history ---\n")
		turns.FprintHistory(w, sess.History.Snapshot())
	}
	if runErr != nil {
		return res, runErr
	}
	if printErr != nil {
		return res, errors.Wrap(printErr, "failed to write events")
	}
	if res != nil {
		log.Info().
			Str("run_id", res.RunID).
			Str("outcome", string(res.Outcome)).
			Int("steps", len(res.Steps)).
			Object("usage", res.Usage).
			Msg("stepwise: run finished")
	}
	return res, nil
}

// mergeTools adds the tools of extra to base, warning about every tool that
// source shadows.
func mergeTools(base tools.ToolRegistry, extra tools.ToolRegistry, source string) tools.ToolRegistry {
	for _, name := range tools.Names(extra) {
		if base.HasTool(name) {
			log.Warn().Str("tool", name).Str("source", source).Msg("stepwise: tool shadows an existing tool")
		}
	}
	return base.Merge(extra)
}

// writeRouted routes the subscription through a watermill router whose
// handler prints each event: one JSON record per line for ndjson, indented
// payloads for raw.
func writeRouted(ctx context.Context, eg *errgroup.Group, sub *stream.Subscription, format settings.OutputFormat, w io.Writer) error {
	router, err := events.NewEventRouter(
		events.WithLogger(helpers.NewWatermill(log.Logger)),
		events.WithOutput(w),
		events.WithVerbose(zerolog.GlobalLevel() <= zerolog.DebugLevel),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	if format == settings.OutputRaw {
		router.AddHandler("raw", eventsTopic, router.DumpRawEvents)
	} else {
		router.AddEventHandler("ndjson", eventsTopic, events.NewNDJSONPrinter(w))
	}

	publisher := helpers.CorrelationPublisherDecorator{
		Publisher:    router.Publisher,
		FromMetadata: events.MetadataKeyRunID,
	}
	sink := events.NewWatermillSink(publisher, eventsTopic)

	routerCtx, cancelRouter := context.WithCancel(ctx)
	eg.Go(func() error {
		defer cancelRouter()
		return router.Run(routerCtx)
	})
	eg.Go(func() error {
		defer func() {
			cancelRouter()
			_ = router.Close()
		}()
		select {
		case <-router.Running():
		case <-routerCtx.Done():
			sub.Close()
			return errors.New("event router stopped before running")
		}
		// publishing blocks until the handler acked, so every event is
		// written once Forward returns
		return stream.Forward(sub, sink)
	})
	return nil
}
