package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/flowtask/internal/agent"
	"github.com/stellarlinkco/flowtask/internal/config"
	"github.com/stellarlinkco/flowtask/internal/gateway"
	"github.com/stellarlinkco/flowtask/internal/llm"
	"github.com/stellarlinkco/flowtask/internal/parser"
	"github.com/stellarlinkco/flowtask/internal/scorer"
	"github.com/stellarlinkco/flowtask/internal/store"
	"github.com/stellarlinkco/flowtask/internal/task"
	"github.com/stellarlinkco/flowtask/internal/tools"
)

// cliOwner identifies the local user's task list across CLI sessions.
const cliOwner = "cli:local"

// Assistant runs one conversational turn (allows mocking in tests)
type Assistant interface {
	Run(ctx context.Context, ownerID, message string) (string, error)
}

// deps bundles everything the CLI commands need.
type deps struct {
	store     *store.SQLiteStore
	parser    *parser.Parser
	scorer    *scorer.Scorer
	assistant Assistant
}

func (d *deps) close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

// DepsFactory creates the CLI dependencies
type DepsFactory func(cfg *config.Config) (*deps, error)

// DefaultDepsFactory builds real dependencies from config
func DefaultDepsFactory(cfg *config.Config) (*deps, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'flowtask onboard' or set FLOWTASK_API_KEY / ANTHROPIC_API_KEY")
	}

	client, err := llm.NewClient(context.Background(), llm.Config{
		Provider:  cfg.Provider.Type,
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		ModelName: cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
		Timeout:   60 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	p := parser.New(client)
	return &deps{
		store:     s,
		parser:    p,
		scorer:    scorer.New(client),
		assistant: agent.New(client, tools.NewRegistry(s, p), agent.WithMaxIterations(cfg.Agent.MaxToolIterations)),
	}, nil
}

// CommandOptions for running commands with custom dependencies
type CommandOptions struct {
	DepsFactory DepsFactory
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

func (o *CommandOptions) fill() {
	if o.DepsFactory == nil {
		o.DepsFactory = DefaultDepsFactory
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowtask",
	Short: "flowtask - AI-powered to-do assistant",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Chat with Flow in single message or REPL mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgentWithOptions(CommandOptions{})
	},
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + REST API + reminders)",
	RunE:  runGateway,
}

var parseCmd = &cobra.Command{
	Use:   "parse [text]",
	Short: "Parse natural language into a structured task draft",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParseWithOptions(CommandOptions{}, strings.Join(args, " "))
	},
}

var prioritizeCmd = &cobra.Command{
	Use:   "prioritize",
	Short: "Re-rank pending tasks for the current mood and energy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrioritizeWithOptions(CommandOptions{})
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show flowtask status",
	RunE:  runStatus,
}

var (
	messageFlag string
	moodFlag    string
	energyFlag  int
)

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	prioritizeCmd.Flags().StringVar(&moodFlag, "mood", "", "Current mood (e.g. focused, tired)")
	prioritizeCmd.Flags().IntVar(&energyFlag, "energy", 0, "Current energy level 1-5")
	rootCmd.AddCommand(agentCmd, gatewayCmd, parseCmd, prioritizeCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runAgentWithOptions runs the agent with injectable dependencies for testing
func runAgentWithOptions(opts CommandOptions) error {
	opts.fill()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := opts.DepsFactory(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := context.Background()

	// Single message mode
	if messageFlag != "" {
		reply, err := d.assistant.Run(ctx, cliOwner, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		fmt.Fprintln(opts.Stdout, reply)
		return nil
	}

	// REPL mode
	fmt.Fprintln(opts.Stdout, "flowtask agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(opts.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := d.assistant.Run(ctx, cliOwner, input)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(opts.Stdout, reply)
	}
	return nil
}

func runParseWithOptions(opts CommandOptions, rawText string) error {
	opts.fill()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := opts.DepsFactory(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	draft, err := d.parser.Parse(context.Background(), rawText)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	data, _ := json.MarshalIndent(draft, "", "  ")
	fmt.Fprintln(opts.Stdout, string(data))
	return nil
}

func runPrioritizeWithOptions(opts CommandOptions) error {
	opts.fill()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d, err := opts.DepsFactory(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := context.Background()
	all, err := d.store.GetTasksForOwner(ctx, cliOwner)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	var pending []task.Task
	for _, t := range all {
		if t.Status == task.StatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		fmt.Fprintln(opts.Stdout, "No pending tasks.")
		return nil
	}

	ranked, err := d.scorer.Prioritize(ctx, pending, moodFlag, energyFlag)
	if err != nil {
		return fmt.Errorf("prioritize error: %w", err)
	}
	task.SortByPriority(ranked)

	for i, t := range ranked {
		fmt.Fprintf(opts.Stdout, "%d. %s [%s]\n", i+1, t.Title, t.EffectivePriority())
		if t.Reasoning != "" {
			fmt.Fprintf(opts.Stdout, "   %s\n", t.Reasoning)
		}
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'flowtask onboard' or set FLOWTASK_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set FLOWTASK_API_KEY environment variable")
	fmt.Println("  3. Run 'flowtask agent -m \"add buy milk tomorrow\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Database: %s\n", cfg.Store.DBPath)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Reminders: enabled=%v schedule=%q\n", cfg.Reminder.Enabled, cfg.Reminder.Schedule)

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
