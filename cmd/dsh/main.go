package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/marcelocantos/dsh/internal/audit"
	"github.com/marcelocantos/dsh/internal/cli"
	"github.com/marcelocantos/dsh/internal/client"
	"github.com/marcelocantos/dsh/internal/config"
	"github.com/marcelocantos/dsh/internal/server"
)

var version = "dev"

var (
	cfgPath    string
	serverMode bool
	clientMode bool
	iface      string
	port       int
	concurrent bool
	protocol   string
)

// exitError carries an exit code for a failure that has already been
// reported.
type exitError struct {
	code cli.ExitCode
}

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

var rootCmd = &cobra.Command{
	Use:   "dsh",
	Short: "A small pipeline shell with a remote mode",
	Long: `dsh runs command lines of the form "cmd args | cmd args | ...".

Without flags it reads lines from the terminal and runs them locally.
With -s it serves remote clients; with -c it connects to such a server.`,
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverMode && clientMode {
			return errors.New("-s and -c are mutually exclusive")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		switch {
		case serverMode:
			srv := server.New(cfg, openAudit(cmd, cfg), log.New(cmd.ErrOrStderr(), "dsh: ", log.LstdFlags))
			return srv.Run(ctx)
		case clientMode:
			return runClient(ctx, cmd, cfg)
		default:
			return runLocal(ctx, cmd, cfg)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.ConfigPath(), "config file path")

	flags := rootCmd.Flags()
	flags.BoolVarP(&serverMode, "server", "s", false, "run as a remote shell server")
	flags.BoolVarP(&clientMode, "client", "c", false, "connect to a remote shell server")
	flags.StringVarP(&iface, "interface", "i", "", "interface to listen on (server) or host to connect to (client)")
	flags.IntVarP(&port, "port", "p", 0, "port to listen on or connect to")
	flags.BoolVarP(&concurrent, "concurrent", "x", false, "serve clients concurrently")
	flags.StringVar(&protocol, "protocol", "", "wire protocol: marker or framed")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFrom(cfgPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("interface") {
		if clientMode {
			cfg.Server.Host = iface
		} else {
			cfg.Server.Interface = iface
		}
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if concurrent {
		cfg.Server.Mode = config.ModeConcurrent
	}
	if flags.Changed("protocol") {
		cfg.Server.Protocol = protocol
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return cfg, nil
}

// openAudit opens the audit log, or returns nil when it is disabled or
// cannot be opened.
func openAudit(cmd *cobra.Command, cfg *config.Config) *audit.Logger {
	if cfg.Audit.Path == "" {
		return nil
	}
	logger, err := audit.NewLogger(afero.NewOsFs(), cfg.Audit.Path)
	if err != nil {
		// Continue without audit logging.
		fmt.Fprintf(cmd.ErrOrStderr(), "dsh: audit: %v\n", err)
		return nil
	}
	return logger
}

func runLocal(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	in, closeIn, err := cli.NewLineReader(cfg.Shell.Prompt, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeIn()

	sh := cli.NewShell(in, cfg.Builder(), openAudit(cmd, cfg))
	return sh.Run(ctx)
}

func runClient(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	c, err := client.Dial(ctx, cfg.Server.DialTarget(), cfg.Server.Protocol)
	if err != nil {
		return err
	}
	defer c.Close()

	in, closeIn, err := cli.NewLineReader(cfg.Shell.Prompt, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeIn()

	rs := &cli.RemoteShell{In: in, Out: cmd.OutOrStdout(), Client: c}
	return rs.Run(ctx)
}

func main() {
	os.Exit(int(execute()))
}

func execute() cli.ExitCode {
	err := rootCmd.Execute()
	if err == nil {
		return cli.OK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "dsh: %v\n", err)
	return cli.Classify(err)
}
