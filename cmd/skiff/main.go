package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/jclement/skiff/internal/config"
	"github.com/jclement/skiff/internal/knownhosts"
	"github.com/jclement/skiff/internal/session"
)

var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "shell":
		runShell(os.Args[2:])
	case "exec":
		runExec(os.Args[2:])
	case "version":
		fmt.Printf("skiff %s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "skiff %s - minimal SSH client\n\n", Version)
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  skiff shell [flags] <host:port>        Open an interactive shell\n")
	fmt.Fprintf(os.Stderr, "  skiff exec  [flags] <host:port> <cmd>  Run a command\n")
	fmt.Fprintf(os.Stderr, "  skiff version                          Print version\n")
	fmt.Fprintf(os.Stderr, "  skiff help                             Show this help\n")
	fmt.Fprintf(os.Stderr, "\nRun 'skiff <command> --help' for command-specific flags.\n")
}

func setupLogging(debug bool) {
	var level slog.Level
	if debug {
		level = slog.LevelDebug
	} else {
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts := log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
		}
		handler = log.NewWithOptions(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "skiff.toml"
	}
	return filepath.Join(home, ".skiff", "skiff.toml")
}

// connect loads config, resolves credentials, and runs the handshake.
func connect(fs *flag.FlagSet, args []string) (*session.Session, *config.Config, string, []string) {
	configPath := fs.String("config", envOrDefault("SKIFF_CONFIG", defaultConfigPath()), "path to config file")
	user := fs.String("user", os.Getenv("SKIFF_USER"), "username (overrides config)")
	debug := fs.Bool("debug", Version == "dev", "enable debug logging")
	fs.Parse(args)

	setupLogging(*debug)

	rest := fs.Args()
	if len(rest) < 1 {
		fs.Usage()
		os.Exit(1)
	}
	addr := rest[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	username := *user
	if username == "" {
		username = cfg.Client.User
	}
	if username == "" {
		slog.Error("no username configured (set --user, SKIFF_USER, or client.user)")
		os.Exit(1)
	}

	password := os.Getenv("SKIFF_PASSWORD")
	if password == "" {
		fmt.Fprintf(os.Stderr, "%s@%s password: ", username, addr)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			slog.Error("failed to read password", "error", err)
			os.Exit(1)
		}
		password = string(raw)
	}

	store, err := knownhosts.Open(cfg.Client.KnownHosts, cfg.Client.TrustUnknownHosts)
	if err != nil {
		slog.Error("failed to open known hosts", "error", err)
		os.Exit(1)
	}
	watcher := knownhosts.NewWatcher(store)
	go watcher.Start()

	sessCfg := cfg.SessionConfig()
	sessCfg.User = username
	sessCfg.Password = password
	sessCfg.HostKey = store.Callback(addr)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeoutDuration())
	defer cancel()
	sess, err := session.Dial(ctx, addr, sessCfg)
	if err != nil {
		slog.Error("connection failed", "addr", addr, "error", err)
		os.Exit(1)
	}
	if err := sess.Connect(); err != nil {
		slog.Error("handshake failed", "addr", addr, "error", err)
		sess.Close()
		os.Exit(1)
	}
	return sess, cfg, addr, rest[1:]
}

func runShell(args []string) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	sess, _, addr, _ := connect(fs, args)
	defer sess.Close()

	ch, err := sess.OpenShell()
	if err != nil {
		slog.Error("failed to open shell", "addr", addr, "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	// Feed stdin to the channel; the main loop drains channel output.
	go func() {
		_, err := io.Copy(ch, os.Stdin)
		if err != nil {
			slog.Debug("stdin closed", "error", err)
		}
	}()

	if _, err := io.Copy(os.Stdout, ch); err != nil {
		slog.Error("shell terminated", "error", err)
		os.Exit(1)
	}
}

func runExec(args []string) {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	sess, _, addr, rest := connect(fs, args)
	defer sess.Close()

	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "exec requires a command")
		os.Exit(1)
	}
	command := rest[0]

	ch, err := sess.OpenExec(command)
	if err != nil {
		slog.Error("failed to run command", "addr", addr, "error", err)
		os.Exit(1)
	}

	if _, err := io.Copy(os.Stdout, ch); err != nil {
		slog.Error("command output interrupted", "error", err)
	}
	if err := ch.Close(); err != nil {
		slog.Debug("channel close", "error", err)
	}
}
