package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/codefionn/agentdraht/internal/client"
	"github.com/codefionn/agentdraht/internal/config"
	"github.com/codefionn/agentdraht/internal/logger"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

type cliArgs struct {
	command    string
	rest       []string
	configPath string
	agentPath  string
	transport  string
	attach     string
	model      string
	logLevel   string
	timeout    int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	args, parseErr := parseCLIArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	configPath := args.configPath
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cfg, args)

	var loggerInitialized bool
	defer func() {
		if !loggerInitialized {
			return
		}
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	loggerInitialized = true

	logger.Info("agentdraht starting")
	logger.Debug("Configuration: transport=%s agent_path=%s attach=%s", cfg.Transport, cfg.AgentPath, cfg.AttachAddress)

	c, err := client.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout())
	err = c.Start(ctx)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		// Pad the stop deadline past the terminate grace so SIGKILL still
		// has room to run.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.TerminateGrace()+5*time.Second)
		defer stopCancel()
		if stopErr := c.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	opCtx, opCancel := context.WithTimeout(context.Background(), time.Duration(args.timeout)*time.Second)
	defer opCancel()

	switch args.command {
	case "ping":
		return runPing(opCtx, c)
	case "ask":
		return runAsk(opCtx, c, cfg, strings.Join(args.rest, " "))
	case "models":
		return runModels(opCtx, c, args.rest)
	default:
		return fmt.Errorf("unknown command %q (expected ping, ask or models)", args.command)
	}
}

func parseCLIArgs(raw []string) (*cliArgs, error) {
	fs := flag.NewFlagSet("agentdraht", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	args := &cliArgs{}
	fs.StringVar(&args.configPath, "config", "", "Path to the config file (default: the platform config dir)")
	fs.StringVar(&args.agentPath, "agent", "", "Path to the agent executable to spawn")
	fs.StringVar(&args.transport, "transport", "", "Transport to the agent: stdio or tcp")
	fs.StringVar(&args.attach, "attach", "", "Attach to a running agent at this TCP address instead of spawning")
	fs.StringVar(&args.model, "model", "", "Model for the session (ask only)")
	fs.StringVar(&args.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	fs.IntVar(&args.timeout, "timeout", 120, "Overall timeout for the command in seconds")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] <command>\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Commands:")
		fmt.Fprintln(fs.Output(), "  ping                 Check that the agent answers")
		fmt.Fprintln(fs.Output(), "  ask \"<prompt>\"       Run one prompt and print the reply")
		fmt.Fprintln(fs.Output(), "  models [<model>]     Show the session model, or switch to <model>")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(raw); err != nil {
		return nil, err
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fs.Usage()
		return nil, flag.ErrHelp
	}
	args.command = remaining[0]
	args.rest = remaining[1:]

	if args.command == "ask" && strings.TrimSpace(strings.Join(args.rest, " ")) == "" {
		return nil, fmt.Errorf("ask requires a prompt")
	}
	if args.timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	return args, nil
}

func applyFlagOverrides(cfg *config.Config, args *cliArgs) {
	if args.agentPath != "" {
		cfg.AgentPath = args.agentPath
	}
	if args.transport != "" {
		cfg.Transport = args.transport
	}
	if args.attach != "" {
		cfg.AttachAddress = args.attach
		cfg.Transport = config.TransportTCP
	}
	if args.model != "" {
		cfg.Model = args.model
	}
	if args.logLevel != "" {
		cfg.LogLevel = args.logLevel
	}
}

func runPing(ctx context.Context, c *client.Client) error {
	started := time.Now()
	result, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	server := result.ServerVersion
	if server == "" {
		server = "agent"
	}
	fmt.Printf("pong from %s in %s\n", server, time.Since(started).Round(time.Millisecond))
	return nil
}

func runAsk(ctx context.Context, c *client.Client, cfg *config.Config, prompt string) error {
	sess, err := c.NewSession(ctx, client.SessionOptions{Model: cfg.Model})
	if err != nil {
		return err
	}
	defer func() {
		if destroyErr := sess.Destroy(context.Background()); destroyErr != nil {
			logger.Warn("Failed to destroy session %s: %v", sess.ID(), destroyErr)
		}
	}()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintln(os.Stderr, statusStyle.Render("Waiting for the agent..."))
	}

	ev, err := sess.SendAndWait(ctx, prompt)
	if err != nil {
		return err
	}
	msg, err := ev.AssistantMessage()
	if err != nil {
		return err
	}

	fmt.Print(renderReply(msg.Content))
	if !strings.HasSuffix(msg.Content, "\n") {
		fmt.Println()
	}
	return nil
}

func runModels(ctx context.Context, c *client.Client, rest []string) error {
	if len(rest) > 1 {
		return fmt.Errorf("models takes at most one argument")
	}

	sess, err := c.NewSession(ctx, client.SessionOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if destroyErr := sess.Destroy(context.Background()); destroyErr != nil {
			logger.Warn("Failed to destroy session %s: %v", sess.ID(), destroyErr)
		}
	}()

	if len(rest) == 1 {
		if err := sess.SwitchModel(ctx, rest[0]); err != nil {
			return err
		}
	}

	model, err := sess.Model(ctx)
	if err != nil {
		return err
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(titleStyle.Render(model))
	} else {
		fmt.Println(model)
	}
	return nil
}

// renderReply renders markdown for terminals and passes the raw text through
// everywhere else, so piped output stays clean.
func renderReply(content string) string {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return content
	}

	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		width = 80
	}
	if width > 100 {
		width = 100
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}
