package commands

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/gluk-w/claworc/shellkeeper/internal/apiclient"
	"github.com/gluk-w/claworc/shellkeeper/internal/config"
	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/resume"
	"github.com/gluk-w/claworc/shellkeeper/internal/session"
	"github.com/gluk-w/claworc/shellkeeper/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	server   string
	token    string
	profiles string
	logLevel string
}

// app holds the client components shared by every command.
type app struct {
	cfg     config.ClientSettings
	out     io.Writer
	notify  *termNotifier
	api     *apiclient.Client
	catalog profiles.Catalog
	reg     *session.Registry
	ctrl    *resume.Controller
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "shellkeeper",
		Short:         "Remote shells that survive a dropped connection",
		Long:          `shellkeeper opens remote shells through a shellkeeperd backend. A session marked for suspend keeps running on the backend when the connection drops and can be resumed later with its output replayed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.server, "server", "", "backend URL (overrides SHELLKEEPER_CLIENT_SERVER_URL)")
	pf.StringVar(&flags.token, "token", "", "API token (overrides SHELLKEEPER_CLIENT_API_TOKEN)")
	pf.StringVar(&flags.profiles, "profiles", "", "local profile catalog YAML (overrides SHELLKEEPER_CLIENT_PROFILES_FILE)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (overrides SHELLKEEPER_CLIENT_LOG_LEVEL)")

	rootCmd.AddCommand(
		newConnectCommand(flags),
		newListCommand(flags),
		newResumeCommand(flags),
		newTerminateCommand(flags),
		newRemoveCommand(flags),
		newRenameCommand(flags),
		newProfilesCommand(flags),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func newApp(flags *globalFlags) (*app, error) {
	if err := config.LoadClient(); err != nil {
		return nil, err
	}
	cfg := config.ClientCfg
	if flags.server != "" {
		cfg.ServerURL = flags.server
	}
	if flags.token != "" {
		cfg.APIToken = flags.token
	}
	if flags.profiles != "" {
		cfg.ProfilesFile = flags.profiles
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logging.InitConsole(cfg.LogLevel)

	var tlsCfg *tls.Config
	if cfg.TLSCA != "" {
		var err error
		if tlsCfg, err = tlsconfig.Client(tlsconfig.Options{CAFile: cfg.TLSCA}); err != nil {
			return nil, fmt.Errorf("load TLS CA: %w", err)
		}
	}

	api, err := apiclient.New(apiclient.Options{
		ServerURL: cfg.ServerURL,
		Token:     cfg.APIToken,
		TLSConfig: tlsCfg,
		Timeout:   cfg.RequestTimeout,
		RetryMax:  3,
	})
	if err != nil {
		return nil, err
	}

	var catalog profiles.Catalog = api.Catalog(cfg.RequestTimeout)
	if cfg.ProfilesFile != "" {
		if catalog, err = profiles.LoadFile(cfg.ProfilesFile); err != nil {
			return nil, err
		}
	}

	dial := func(p profiles.Summary, clientSessionID, mode string) session.Transport {
		return transport.New(transport.Options{
			ServerURL:       cfg.ServerURL,
			Token:           cfg.APIToken,
			TLSConfig:       tlsCfg,
			ConnectionID:    p.ID,
			ClientSessionID: clientSessionID,
			Mode:            mode,
			RequestTimeout:  cfg.RequestTimeout,
		})
	}

	a := &app{
		cfg:     cfg,
		out:     os.Stdout,
		notify:  &termNotifier{out: os.Stderr},
		api:     api,
		catalog: catalog,
		reg:     session.NewRegistry(dial),
	}
	a.ctrl = resume.New(resume.Options{
		Registry:       a.reg,
		Catalog:        catalog,
		API:            api,
		Notifier:       a.notify,
		ConnectTimeout: cfg.ResumeConnectTimeout,
		PollInterval:   cfg.ResumePollInterval,
		SnapshotRows:   200,
	})
	return a, nil
}

func (a *app) close() {
	if err := a.reg.CloseAll(); err != nil {
		logCLI().Debug().Err(err).Msg("close sessions")
	}
}

// withApp builds the app for a command and closes its sessions afterwards.
func withApp(flags *globalFlags, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(flags)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, a, args)
	}
}

func logCLI() *zerolog.Logger {
	l := logging.For("cli")
	return &l
}
