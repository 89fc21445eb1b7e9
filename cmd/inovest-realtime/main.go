package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/inovest/realtime/internal/auth"
	"github.com/inovest/realtime/internal/chats"
	"github.com/inovest/realtime/internal/config"
	"github.com/inovest/realtime/internal/database"
	"github.com/inovest/realtime/internal/ids"
	"github.com/inovest/realtime/internal/logging"
	"github.com/inovest/realtime/internal/metrics"
	"github.com/inovest/realtime/internal/notifications"
	"github.com/inovest/realtime/internal/projects"
	"github.com/inovest/realtime/internal/realtime"
	"github.com/inovest/realtime/internal/server"
	"github.com/inovest/realtime/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "inovest-realtime",
		Short: "Inovest realtime messaging and notification service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins, * for any")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("typing-ttl", defaults.GetDuration("realtime.typing_ttl"), "Typing indicator lifetime")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.typing_ttl", "typing-ttl")
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idProvider := ids.NewUUIDProvider()
	collectors := metrics.New()

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	projectService, err := projects.NewService(projects.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	chatService, err := chats.NewService(chats.ServiceConfig{
		Database:   db,
		Projects:   projectService,
		IDProvider: idProvider,
		Logger:     logger,
		Metrics:    collectors,
	})
	if err != nil {
		return err
	}

	router := realtime.NewRouter(realtime.RouterConfig{Logger: logger, Metrics: collectors})
	registry := realtime.NewRegistry(realtime.RegistryConfig{OnTransition: realtime.StatusBroadcaster(router)})
	tracker, err := realtime.NewTypingTracker(realtime.TypingConfig{
		TTL:           appConfig.TypingTTL,
		SweepInterval: appConfig.TypingSweepInterval,
		Emit:          realtime.RoomTypingEmitter(router),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	hub, err := realtime.NewHub(realtime.HubConfig{
		Registry: registry,
		Router:   router,
		Typing:   tracker,
		LastSeen: userService,
		Chats:    chatService,
		Metrics:  collectors,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	collectors.RegisterGaugeFunc("online_users", "Users with at least one open socket.", func() float64 {
		return float64(registry.OnlineCount())
	})
	collectors.RegisterGaugeFunc("typing_entries", "Active typing indicators.", func() float64 {
		return float64(tracker.Len())
	})

	notificationConfig := notifications.ServiceConfig{
		Repository:     notifications.NewGormRepository(db),
		IDProvider:     idProvider,
		Contacts:       userService,
		Live:           hub,
		Logger:         logger,
		Metrics:        collectors,
		ChannelTimeout: appConfig.ChannelTimeout,
	}
	if appConfig.Push.Enabled() {
		pushSender, err := notifications.NewFirebaseSender(signalCtx, notifications.FirebaseConfig{
			ProjectID:       appConfig.Push.FirebaseProjectID,
			CredentialsFile: appConfig.Push.CredentialsFile,
		})
		if err != nil {
			return err
		}
		notificationConfig.Push = pushSender
	} else {
		logger.Info("push delivery disabled")
	}
	if appConfig.Email.Enabled() {
		emailSender, err := notifications.NewSMTPSender(notifications.SMTPConfig{
			Host:     appConfig.Email.SMTPHost,
			Port:     appConfig.Email.SMTPPort,
			Username: appConfig.Email.Username,
			Password: appConfig.Email.Password,
			From:     appConfig.Email.From,
		})
		if err != nil {
			return err
		}
		notificationConfig.Email = emailSender
	} else {
		logger.Info("email delivery disabled")
	}
	notificationService, err := notifications.NewService(notificationConfig)
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          userService,
		Projects:       projectService,
		Chats:          chatService,
		Notifications:  notificationService,
		Hub:            hub,
		IDProvider:     idProvider,
		Metrics:        collectors,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		Socket: server.SocketConfig{
			SendBuffer:  appConfig.SendBuffer,
			SignalRate:  appConfig.SignalRate,
			SignalBurst: appConfig.SignalBurst,
		},
	})
	if err != nil {
		return err
	}

	go tracker.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := notificationService.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pending notification deliveries abandoned", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		role   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			parsedRole, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresAt, err := issuer.Issue(cmd.Context(), auth.Identity{UserID: userID, Role: parsedRole})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleInvestor), "ENTREPRENEUR or INVESTOR")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
