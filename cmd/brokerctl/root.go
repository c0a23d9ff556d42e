package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/adapter/aspsp"
	"github.com/smallbiznis/tpp-broker/internal/bootstrap"
	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/registry"
	"github.com/smallbiznis/tpp-broker/internal/session"
)

type storeOpener func(ctx context.Context, cfg config.Config) (*bootstrap.Stores, error)

// app carries the backends shared by every subcommand.
type app struct {
	open    storeOpener
	envFile string
	verbose bool

	cfg      config.Config
	logger   *zap.Logger
	stores   *bootstrap.Stores
	registry *registry.Registry
	sessions *session.Store
}

func newRootCmd(open storeOpener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:           "brokerctl",
		Short:         "Operate the consent broker's institution registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load before reading the environment")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newImportDirectoryCmd(a),
		newListCmd(a),
		newAddClientCredentialsCmd(a),
		newRegisterConfigCmd(a),
		newRefreshOpenIDCmd(a),
		newSessionCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}

	logger := zap.NewNop()
	if a.verbose {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = dev
	}
	a.logger = logger

	cfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	a.cfg = cfg

	stores, err := a.open(ctx, cfg)
	if err != nil {
		return err
	}
	a.stores = stores

	client, err := aspsp.NewHTTPClient(aspsp.TransportConfig{Timeout: cfg.HTTPClientTimeout})
	if err != nil {
		return err
	}
	a.registry = registry.New(stores.KV, registry.NewHTTPDiscoveryClient(client), logger)
	a.sessions = session.NewStore(stores.KV)
	return nil
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.stores == nil {
		return nil
	}
	return a.stores.Close()
}

// softwareStatementID prefers the flag over SOFTWARE_STATEMENT_ID.
func (a *app) softwareStatementID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.SoftwareStatementID != "" {
		return a.cfg.SoftwareStatementID, nil
	}
	return "", fmt.Errorf("--software-statement-id or SOFTWARE_STATEMENT_ID is required")
}
