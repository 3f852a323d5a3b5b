package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flowpbx/rcschat/internal/api"
	"github.com/flowpbx/rcschat/internal/api/middleware"
	"github.com/flowpbx/rcschat/internal/config"
	"github.com/flowpbx/rcschat/internal/database"
	"github.com/flowpbx/rcschat/internal/keystore"
	"github.com/flowpbx/rcschat/internal/media"
	"github.com/flowpbx/rcschat/internal/metrics"
	sipstack "github.com/flowpbx/rcschat/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if cfg.IssueToken {
		if err := issueToken(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting rcschat",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"sip_transport", cfg.SIPTransport,
		"data_dir", cfg.DataDir,
	)

	if err := run(cfg, logger, startTime); err != nil {
		slog.Error("rcschat exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("rcschat stopped")
}

func run(cfg *config.Config, logger *slog.Logger, startTime time.Time) error {
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	sysConfig, err := database.NewSystemConfigRepository(appCtx, db)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}
	settings := database.NewSettings(sysConfig, database.FeatureDefaults{
		CPM:        cfg.CPM,
		OP01:       cfg.OP01,
		SecureMSRP: cfg.SecureMSRP,
	}, logger)
	conversations := database.NewConversationRepository(db)
	chats := database.NewGroupChatRepository(db)

	keys, err := keystore.Load(cfg.TLSCert, cfg.TLSKey, logger)
	if err != nil {
		return fmt.Errorf("loading key store: %w", err)
	}

	msrp, err := media.NewMSRPManager(cfg.MediaIP(), cfg.MSRPPortMin, cfg.MSRPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating msrp manager: %w", err)
	}

	stack, err := sipstack.NewStack(cfg, keys, logger)
	if err != nil {
		return fmt.Errorf("creating sip stack: %w", err)
	}
	if err := stack.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip stack: %w", err)
	}
	defer stack.Stop()

	addressing, err := stack.Addressing()
	if err != nil {
		return fmt.Errorf("building local addressing: %w", err)
	}
	setup, err := media.ParseSetupRole(cfg.MSRPSetup)
	if err != nil {
		return fmt.Errorf("msrp setup role: %w", err)
	}

	auth := sipstack.NewAuthenticationAgent(sipstack.Credentials{
		Username: cfg.PrivateIdentity(),
		Password: cfg.Password,
		Realm:    cfg.Domain,
	}, logger)

	manager := sipstack.NewSessionManager(sipstack.SessionEnv{
		Transport:     stack,
		Builder:       sipstack.NewInviteBuilder(auth, sipstack.UserAgentName),
		Keys:          keys,
		Conversations: sipstack.NewConversationResolver(conversations, stack, logger),
		Flags:         settings,
		Media:         msrp,
		Addressing:    addressing,
		Setup:         setup,
		Logger:        logger,
	}, chats, cfg.SessionTTL, logger)
	defer manager.Close()

	secret, err := apiSecret(cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(manager, conversations, msrp, startTime, logger),
	)

	handler := api.NewServer(api.Deps{
		Sessions:  manager,
		Chats:     chats,
		Settings:  settings,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:    logger,
		APISecret: secret,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return serveErr
}

// issueToken prints an operator token signed with the configured secret.
func issueToken(cfg *config.Config) error {
	if cfg.APISecret == "" {
		return fmt.Errorf("issue-token requires api-secret")
	}
	secret, err := cfg.APISecretBytes()
	if err != nil {
		return err
	}
	token, expiresAt, err := middleware.GenerateOperatorToken(secret, operatorName(), middleware.DefaultTokenTTL)
	if err != nil {
		return fmt.Errorf("issuing operator token: %w", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "token expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

// apiSecret returns the control API signing secret. Without a configured
// secret an ephemeral one is generated and a token for it is written to
// the data directory.
func apiSecret(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	generated := cfg.APISecret == ""
	secret, err := cfg.APISecretBytes()
	if err != nil {
		return nil, fmt.Errorf("api secret: %w", err)
	}
	if !generated {
		return secret, nil
	}

	token, _, err := middleware.GenerateOperatorToken(secret, operatorName(), middleware.DefaultTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing operator token: %w", err)
	}
	path := filepath.Join(cfg.DataDir, apiTokenFile)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing operator token: %w", err)
	}
	logger.Warn("no api-secret configured, generated ephemeral key (tokens will not survive restart)",
		"token_file", path,
	)
	return secret, nil
}

const apiTokenFile = "api.token"

func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
