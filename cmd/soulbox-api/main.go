package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soulbox/backend/internal/auth"
	"github.com/soulbox/backend/internal/capsules"
	"github.com/soulbox/backend/internal/config"
	"github.com/soulbox/backend/internal/database"
	"github.com/soulbox/backend/internal/logging"
	"github.com/soulbox/backend/internal/mail"
	"github.com/soulbox/backend/internal/media"
	"github.com/soulbox/backend/internal/scheduler"
	"github.com/soulbox/backend/internal/server"
	"github.com/soulbox/backend/internal/timecodec"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile    string
	repairUser string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "soulbox-api",
		Short: "SoulBox time capsule backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Reseal capsules that unlocked without a matching unlock request",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd.Context())
		},
	}
	repairCmd.Flags().StringVar(&repairUser, "user", "", "Limit the repair to one owner's capsules")
	rootCmd.AddCommand(repairCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("timezone", defaults.GetString("time.zone"), "Capsule schedule timezone")
	cmd.PersistentFlags().String("base-url", defaults.GetString("app.base_url"), "Public base URL used in mail links")
	cmd.PersistentFlags().String("media-dir", defaults.GetString("media.dir"), "Directory for uploaded media")
	cmd.PersistentFlags().Int("reminder-interval-minutes", defaults.GetInt("reminder.interval_minutes"), "Reminder scheduler tick interval in minutes")
	cmd.PersistentFlags().Int("repair-window-seconds", defaults.GetInt("repair.window_seconds"), "Auto-unlock suspicion window in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "JWT signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "time.zone", "timezone")
	bindFlag(cmd, "app.base_url", "base-url")
	bindFlag(cmd, "media.dir", "media-dir")
	bindFlag(cmd, "reminder.interval_minutes", "reminder-interval-minutes")
	bindFlag(cmd, "repair.window_seconds", "repair-window-seconds")
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

func buildCapsuleService(appConfig config.AppConfig, logger *zap.Logger, db *gorm.DB, mediaStore capsules.MediaRemover, notifier capsules.CreationNotifier, publisher capsules.UnlockPublisher) (*capsules.Service, error) {
	codec, err := timecodec.New(appConfig.Timezone)
	if err != nil {
		return nil, err
	}
	return capsules.NewService(capsules.ServiceConfig{
		Database:     db,
		Codec:        codec,
		Clock:        time.Now,
		IDProvider:   capsules.NewUUIDProvider(),
		Notifier:     notifier,
		Media:        mediaStore,
		Publisher:    publisher,
		RepairWindow: appConfig.RepairWindow,
		Logger:       logger,
	})
}

func buildNotifier(appConfig config.AppConfig, logger *zap.Logger) (*mail.Notifier, error) {
	if appConfig.SMTPHost == "" {
		logger.Warn("smtp not configured, outbound mail will be logged only")
		return mail.NewNotifier(mail.NewLogSender(logger), appConfig.BaseURL, logger), nil
	}
	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUsername,
		Password: appConfig.SMTPPassword,
		From:     appConfig.SMTPFrom,
	})
	if err != nil {
		return nil, err
	}
	return mail.NewNotifier(sender, appConfig.BaseURL, logger), nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	mediaStore, err := media.NewDirStore(appConfig.MediaDir)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(appConfig, logger)
	if err != nil {
		return err
	}

	dispatcher := server.NewUnlockDispatcher()

	capsuleService, err := buildCapsuleService(appConfig, logger, db, mediaStore, notifier, dispatcher)
	if err != nil {
		return err
	}

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	reminderScheduler, err := scheduler.New(scheduler.Config{
		Store:    capsuleService,
		Notifier: notifier,
		Interval: appConfig.ReminderInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:   verifier,
		Capsules:   capsuleService,
		Media:      mediaStore,
		Dispatcher: dispatcher,
		UploadsDir: mediaStore.Root(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopScheduler, schedulerDone := reminderScheduler.Start(signalCtx)
	defer stopScheduler()

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
		stopScheduler()
		<-schedulerDone
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runRepair(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	capsuleService, err := buildCapsuleService(appConfig, logger, db, nil, nil, nil)
	if err != nil {
		return err
	}

	result, err := capsuleService.RepairAutoUnlocked(ctx, repairUser)
	if err != nil {
		return err
	}

	fmt.Printf("resealed %d capsule(s)\n", result.FixedCount)
	for _, detail := range result.Details {
		if detail.MissingUnlockAt {
			fmt.Printf("  %s %q: unlocked without a timestamp\n", detail.CapsuleID, detail.Title)
			continue
		}
		fmt.Printf("  %s %q: unlocked %ds from its schedule instant\n", detail.CapsuleID, detail.Title, detail.DriftSeconds)
	}
	return nil
}
