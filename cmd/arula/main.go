package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"arula/internal/config"
	"arula/internal/core"
	"arula/internal/session"
	"arula/internal/store"
	"arula/internal/telemetry"
	"arula/internal/tools"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	if os.Getenv("ARULA_DEBUG") == "1" {
		log.Logger = log.With().Caller().Logger().Level(zerolog.DebugLevel)
	}

	shutdown, err := telemetry.InitTracer("arula")
	if err != nil {
		log.Warn().Err(err).Msg("telemetry initialization failed, continuing without tracing")
		shutdown = func(context.Context) error { return nil }
	}
	defer shutdown(context.Background())

	cmd := &cli.Command{
		Name:  "arula",
		Usage: "A multi-provider streaming agent runtime",
		Commands: []*cli.Command{
			chatCommand(),
			configCommand(),
			mcpCommand(),
			conversationsCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("arula exited with an error")
		os.Exit(1)
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start or continue an interactive chat session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "conversation", Usage: "existing conversation id to continue"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runChat(ctx, cmd.String("conversation"))
		},
	}
}

func runChat(ctx context.Context, conversationID string) error {
	cfgPath, err := config.DefaultConfigPath()
	if err != nil {
		return err
	}
	cfgStore := config.Open(cfgPath)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	convStore := store.New(cwd)

	buildRuntime := func() *session.Runtime {
		registry := tools.Build(ctx, cfgStore, func(msg string) { log.Warn().Msg(msg) })
		systemPrompt := session.ComposeSystemPrompt(cwd, registry, cfgStore.ListMCPServers())
		return session.New(cfgStore, registry, convStore, systemPrompt)
	}

	var current atomic.Pointer[session.Runtime]
	current.Store(buildRuntime())

	// External edits to the config file (another arula invocation, or a
	// hand edit) take effect on the next turn: the REPL below never reads
	// mid-turn, so swapping the pointer between Submit calls is race-free
	// without needing the Runtime itself to support hot config reload.
	if err := cfgStore.Watch(func(*config.Config) {
		current.Store(buildRuntime())
		log.Info().Msg("config reloaded, tool registry and system prompt rebuilt")
	}); err != nil {
		log.Warn().Err(err).Msg("config watch failed, continuing without hot-reload")
	}
	defer cfgStore.StopWatch()

	if conversationID == "" {
		profile, err := cfgStore.ActiveProfile()
		if err != nil {
			return fmt.Errorf("no active provider configured: %w", err)
		}
		conv, err := convStore.Create(cfgStore.ActiveLabel(), profile.Model, "")
		if err != nil {
			return err
		}
		conversationID = conv.ID
	}

	fmt.Printf("conversation %s (ctrl-d to exit)\n", conversationID)
	for {
		var prompt string
		err := huh.NewText().Title("You").Value(&prompt).Run()
		if err != nil {
			return nil // EOF / cancelled input ends the session cleanly
		}
		if prompt == "" {
			continue
		}

		events, err := current.Load().Submit(ctx, conversationID, prompt)
		if err != nil {
			log.Error().Err(err).Msg("submit failed")
			continue
		}
		printEvents(events)
	}
}

func printEvents(events <-chan core.Event) {
	for ev := range events {
		switch ev.Type {
		case core.EventTextDelta:
			fmt.Print(ev.Text)
		case core.EventReasoningDelta:
			// reasoning is shown to the user but never persisted, per spec
			fmt.Fprint(os.Stderr, ev.Text)
		case core.EventToolCallStart:
			fmt.Printf("\n[tool call %s: %s]\n", ev.ID, ev.Name)
		case core.EventToolResult:
			if ev.Result != nil {
				fmt.Printf("[tool result %s success=%v]\n", ev.Result.CallID, ev.Result.Success)
			}
		case core.EventTurnEnd:
			fmt.Printf("\n-- turn end (%s) --\n", ev.FinishReason)
		case core.EventError:
			fmt.Fprintf(os.Stderr, "\n[error %s] %s\n", ev.ErrKind, ev.Message)
		}
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage provider configuration",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Print the active provider profile",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfgPath, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					cfgStore := config.Open(cfgPath)
					p, err := cfgStore.ActiveProfile()
					if err != nil {
						return err
					}
					fmt.Printf("%s: dialect=%s model=%s\n", cfgStore.ActiveLabel(), p.Dialect, p.Model)
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "Set a field on the active provider profile",
				ArgsUsage: "<field> <value>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 2 {
						return fmt.Errorf("usage: arula config set <field> <value>")
					}
					cfgPath, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					cfgStore := config.Open(cfgPath)
					return cfgStore.SetField(cfgStore.ActiveLabel(), cmd.Args().Get(0), cmd.Args().Get(1))
				},
			},
			{
				Name:      "switch",
				Usage:     "Switch the active provider",
				ArgsUsage: "<label>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					label := cmd.Args().First()
					if label == "" {
						return fmt.Errorf("usage: arula config switch <label>")
					}
					cfgPath, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					return config.Open(cfgPath).SwitchActive(label)
				},
			},
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Manage MCP server entries",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List configured MCP servers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfgPath, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					for id, e := range config.Open(cfgPath).ListMCPServers() {
						fmt.Printf("%s: %s\n", id, e.URL)
					}
					return nil
				},
			},
			{
				Name:      "add",
				Usage:     "Add an MCP server",
				ArgsUsage: "<id> <url>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 2 {
						return fmt.Errorf("usage: arula mcp add <id> <url>")
					}
					cfgPath, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					return config.Open(cfgPath).SetMCPServer(cmd.Args().Get(0), &config.MCPServerEntry{URL: cmd.Args().Get(1)})
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove an MCP server",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("usage: arula mcp remove <id>")
					}
					cfgPath, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					return config.Open(cfgPath).RemoveMCPServer(id)
				},
			},
		},
	}
}

func conversationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conversations",
		Usage: "Inspect stored conversations",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List conversations in the current directory",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cwd, err := os.Getwd()
					if err != nil {
						return err
					}
					summaries, err := store.New(cwd).List()
					if err != nil {
						return err
					}
					for _, s := range summaries {
						fmt.Printf("%s\t%s\t%d messages\t%s\n", s.ID, s.Title, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Print a conversation's messages",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("usage: arula conversations show <id>")
					}
					cwd, err := os.Getwd()
					if err != nil {
						return err
					}
					conv, err := store.New(cwd).Open(id)
					if err != nil {
						return err
					}
					for _, m := range conv.Messages {
						fmt.Printf("[%s] %s\n", m.Role, m.Text)
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a conversation",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("usage: arula conversations delete <id>")
					}
					cwd, err := os.Getwd()
					if err != nil {
						return err
					}
					return store.New(cwd).Delete(id)
				},
			},
		},
	}
}
