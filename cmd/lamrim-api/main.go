package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/auth"
	"github.com/MarcoPoloResearchLab/lamrim/internal/config"
	"github.com/MarcoPoloResearchLab/lamrim/internal/database"
	"github.com/MarcoPoloResearchLab/lamrim/internal/devices"
	"github.com/MarcoPoloResearchLab/lamrim/internal/docstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/logging"
	"github.com/MarcoPoloResearchLab/lamrim/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lamrim-api",
		Short: "Lamrim reader document store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newIssueTokenCommand(), newDevicesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (default any)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Device token lifetime")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the document store HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var userID, device string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a device token for a user and register the device",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			subject, err := identity.NewUserID(userID)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			registry, closeDB, err := openRegistry(appConfig)
			if err != nil {
				return err
			}
			defer closeDB()

			issuedAt := time.Now()
			token, expiresAt, err := issuer.IssueDeviceToken(subject, device)
			if err != nil {
				return err
			}
			if err := registry.Register(cmd.Context(), subject, device, issuedAt, expiresAt); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier the token is issued for")
	cmd.Flags().StringVar(&device, "device", "", "Optional device label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDevicesCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the registered devices of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			subject, err := identity.NewUserID(userID)
			if err != nil {
				return err
			}
			registry, closeDB, err := openRegistry(appConfig)
			if err != nil {
				return err
			}
			defer closeDB()

			registered, err := registry.List(cmd.Context(), subject)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range registered {
				lastSeen := "never"
				if !entry.LastSeenAt.IsZero() {
					lastSeen = entry.LastSeenAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%s\tlast seen %s\texpires %s\n", entry.Label, lastSeen, entry.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func openRegistry(appConfig config.ServerConfig) (*devices.Service, func(), error) {
	db, err := database.OpenServerDatabase(appConfig.DatabasePath, nil)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	registry, err := devices.NewService(devices.ServiceConfig{Database: db})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return registry, func() { _ = sqlDB.Close() }, nil
}

func newTokenIssuer(appConfig config.ServerConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenServerDatabase(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	registry, err := devices.NewService(devices.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	documents, err := docstore.NewService(docstore.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Documents:      documents,
		Devices:        registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}
	// event streams never finish on their own
	httpServer.RegisterOnShutdown(cancelBase)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
