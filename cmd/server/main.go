package main

import (
	"clai-chat/internal/api/handlers"
	"clai-chat/internal/app"
	"clai-chat/internal/auth"
	"clai-chat/internal/config"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/postgres"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Log.WithError(err).Fatal("Command failed")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clai-chat",
		Short:         "Conversation core for embeddable chat widgets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and webhook relay",
			RunE:  runServe,
		},
		newMigrateCmd(),
		newRollupCmd(),
		newTokenCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appConfig, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Log.Info("Initializing application services...")
	container, err := app.NewConfig(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Log.WithError(err).Error("Error during shutdown")
		}
	}()

	container.StartRelay(ctx)

	server := &http.Server{
		Addr:              ":" + appConfig.Server.Port,
		Handler:           handlers.NewRouter(handlers.NewChatHandlers(container)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	port := appConfig.Server.Port
	logger.Log.WithFields(logrus.Fields{
		"port":   port,
		"health": fmt.Sprintf("http://localhost:%s/api/health", port),
		"widget": fmt.Sprintf("http://localhost:%s/api/conversations", port),
	}).Info("Server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newMigrateCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			database, err := postgres.Open(appConfig.Database)
			if err != nil {
				return err
			}
			defer database.Close()

			if len(args) == 1 && args[0] == "down" {
				return database.RollbackMigrations(appConfig.Database.MigrationsPath, steps)
			}
			return database.RunMigrations(appConfig.Database.MigrationsPath)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func newRollupCmd() *cobra.Command {
	var organizationID, chatbotID, date string

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Store the daily metrics rollup for one chatbot",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			day := time.Now().In(appConfig.Metrics.Location).AddDate(0, 0, -1)
			if date != "" {
				day, err = time.ParseInLocation("2006-01-02", date, appConfig.Metrics.Location)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
			}

			container, err := app.NewConfig(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			defer container.Close()

			daily, err := container.Metrics.RollupDay(cmd.Context(), organizationID, chatbotID, day)
			if err != nil {
				return err
			}

			logger.Log.WithFields(logrus.Fields{
				"organization_id": organizationID,
				"chatbot_id":      chatbotID,
				"date":            daily.Date.Format("2006-01-02"),
				"conversations":   daily.ConversationCount,
				"leads":           daily.LeadCount,
			}).Info("Daily metrics stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&organizationID, "org", "", "organization id")
	cmd.Flags().StringVar(&chatbotID, "chatbot", "", "chatbot id")
	cmd.Flags().StringVar(&date, "date", "", "day to roll up (YYYY-MM-DD, default yesterday)")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("chatbot")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var actor auth.Actor
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			token, err := auth.NewAuthenticator(appConfig.Auth.JWTSecret, ttl).GenerateToken(actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor.OrganizationID, "org", "", "organization id")
	cmd.Flags().StringVar(&actor.Role, "role", auth.RoleAdmin, "role: owner, admin, member or viewer")
	cmd.Flags().StringVar(&actor.Subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	cmd.MarkFlagRequired("org")
	return cmd
}
