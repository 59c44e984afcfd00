package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/fatih/color"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/sync/errgroup"

	"dialogue-relay/handler"
	"dialogue-relay/internal/auth"
	"dialogue-relay/internal/config"
	"dialogue-relay/internal/dedupe"
	"dialogue-relay/internal/extract"
	"dialogue-relay/internal/integrations/openai"
	"dialogue-relay/internal/integrations/paramstore"
	"dialogue-relay/internal/integrations/voiceflow"
	"dialogue-relay/internal/logging"
	"dialogue-relay/internal/repository"
	"dialogue-relay/internal/slack"
	"dialogue-relay/internal/usecase"
)

const banner = `
    ┌─┐┌─┐┬  ┌─┐┬ ┬  ┬─┐┌─┐┬  ┌─┐┬ ┬
    └─┐│  │  ├─┤└┬┘  ├┬┘├┤ │  ├─┤└┬┘
    └─┘└─┘┴─┘┴ ┴ ┴   ┴└─└─┘┴─┘┴ ┴ ┴
`

const housekeepingInterval = 10 * time.Minute

// store is what the relay needs from a storage backend.
type store interface {
	usecase.ConversationStore
	dedupe.Marker
}

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to a YAML or TOML config file")
	issueSubject := flag.String("issue-token", "", "print a task-signal token for this subject and exit")
	issueTTL := flag.Duration("token-ttl", time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	if *issueSubject != "" {
		if err := issueToken(os.Stdout, *configPath, *issueSubject, *issueTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	color.New(color.FgCyan).Print(banner)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Store.Backend)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Voiceflow: %s (%s)\n\n", cfg.Voiceflow.RuntimeEndpoint, cfg.Voiceflow.VersionID)

	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if cfg.Store.Backend == config.BackendDynamoDB || cfg.Secrets.ParamPrefix != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	// ---- Secrets ----
	secrets, err := newSecretSources(cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	botToken, err := secrets.slackBot.Value(ctx)
	if err != nil {
		return fmt.Errorf("resolving slack bot token: %w", err)
	}
	appToken, err := secrets.slackApp.Value(ctx)
	if err != nil {
		return fmt.Errorf("resolving slack app token: %w", err)
	}

	// ---- Storage ----
	st, closeStore, err := openStore(cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// ---- Clients ----
	slackOpts := []slackapi.Option{slackapi.OptionAppLevelToken(appToken)}
	if cfg.Slack.APIURL != "" {
		slackOpts = append(slackOpts, slackapi.OptionAPIURL(cfg.Slack.APIURL))
	}
	api := slackapi.New(botToken, slackOpts...)

	botUserID := cfg.Slack.BotUserID
	if botUserID == "" {
		identity, err := api.AuthTestContext(ctx)
		if err != nil {
			return fmt.Errorf("slack auth.test: %w", err)
		}
		botUserID = identity.UserID
	}

	vf, err := voiceflow.NewClient(secrets.voiceflow,
		voiceflow.WithRuntimeEndpoint(cfg.Voiceflow.RuntimeEndpoint),
		voiceflow.WithTranscriptsEndpoint(cfg.Voiceflow.TranscriptsEndpoint),
		voiceflow.WithVersionID(cfg.Voiceflow.VersionID),
		voiceflow.WithProjectID(cfg.Voiceflow.ProjectID),
		voiceflow.WithHTTPClient(&http.Client{Timeout: cfg.Voiceflow.Timeout}),
	)
	if err != nil {
		return fmt.Errorf("creating voiceflow client: %w", err)
	}

	extractOpts := []extract.Option{
		extract.WithHTTPClient(&http.Client{Timeout: cfg.Extract.Timeout}),
		extract.WithMaxBytes(cfg.Extract.MaxBytes),
		extract.WithLogger(logger),
	}
	if secrets.openAI != nil {
		whisper, err := openai.NewClient(secrets.openAI,
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithModel(cfg.OpenAI.Model),
		)
		if err != nil {
			return fmt.Errorf("creating openai client: %w", err)
		}
		extractOpts = append(extractOpts, extract.WithTranscriber(whisper))
	}
	extractor, err := extract.New(paramstore.Static(botToken), extractOpts...)
	if err != nil {
		return fmt.Errorf("creating extractor: %w", err)
	}

	presenter, err := slack.NewPresenter(api, cfg.Slack.PostsPerSecond, logger)
	if err != nil {
		return fmt.Errorf("creating presenter: %w", err)
	}

	// ---- Use cases ----
	locks := usecase.NewKeyLocks()
	turnCfg := usecase.TurnConfig{
		ProgressAfter:   cfg.Turn.ProgressAfter,
		MaxSegmentChars: cfg.Turn.MaxSegmentChars,
		Logger:          logger,
	}
	orchestrator, err := usecase.NewOrchestrator(vf, st, extractor, presenter, locks, turnCfg)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	if cfg.Voiceflow.CreateTranscripts {
		orchestrator.WithTranscripts(vf)
	}
	dispatcher, err := usecase.NewDispatcher(vf, st, presenter, locks, turnCfg)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	relay, err := usecase.NewRelay(st, presenter, relayTemplates(cfg.Notify), logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	dedupOpts := []dedupe.Option{dedupe.WithLogger(logger)}
	if cfg.Dedup.Shared {
		dedupOpts = append(dedupOpts, dedupe.WithMarker(st))
	}
	dedup, err := dedupe.New(cfg.Dedup.Window, cfg.Dedup.Size, dedupOpts...)
	if err != nil {
		return fmt.Errorf("creating deduplicator: %w", err)
	}

	// ---- Transports ----
	listener, err := slack.NewListener(orchestrator, dispatcher, dedup, presenter, botUserID, logger)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	var handlerOpts []handler.Option
	handlerOpts = append(handlerOpts, handler.WithLogger(logger))
	if cfg.Auth.TaskSignalSecret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.TaskSignalSecret)
		if err != nil {
			return fmt.Errorf("creating verifier: %w", err)
		}
		handlerOpts = append(handlerOpts, handler.WithVerifier(verifier))
	}
	h, err := handler.NewHandler(relay, handlerOpts...)
	if err != nil {
		return fmt.Errorf("creating handler: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting dialogue relay",
		"bot_user_id", botUserID,
		"store", cfg.Store.Backend,
		"http_addr", cfg.Server.HTTPAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx, socketmode.New(api))
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	purger, _ := st.(*repository.SQLiteStore)
	g.Go(func() error {
		housekeep(gctx, purger, dedup, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("dialogue relay stopped")
	return err
}

func openStore(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := repository.NewSQLiteStore(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.Table, cfg.Store.RecordTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("creating dynamodb store: %w", err)
		}
		return c, func() {}, nil
	}
}

// housekeep reports the dedup cache size and, for SQLite, drops expired
// event markers on every tick. s may be nil.
func housekeep(ctx context.Context, s *repository.SQLiteStore, dedup *dedupe.Deduplicator, logger *slog.Logger) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			housekeepOnce(ctx, s, dedup, logger)
		}
	}
}

func housekeepOnce(ctx context.Context, s *repository.SQLiteStore, dedup *dedupe.Deduplicator, logger *slog.Logger) {
	logger.Debug("dedup cache", "keys", dedup.Len())
	if s == nil {
		return
	}
	if _, err := s.PurgeExpiredEvents(ctx); err != nil {
		logger.Warn("failed to purge expired events", "err", err)
	}
}

// issueToken prints a bearer token for the task-signal endpoint, signed with
// the configured secret.
func issueToken(w io.Writer, configPath, subject string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.TaskSignalSecret == "" {
		return errors.New("auth.task_signal_secret is not set")
	}
	if ttl <= 0 {
		return errors.New("token ttl must be positive")
	}
	verifier, err := auth.NewVerifier(cfg.Auth.TaskSignalSecret)
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}
	token, err := verifier.Issue(subject, ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func relayTemplates(n config.NotifyConfig) usecase.RelayTemplates {
	return usecase.RelayTemplates{
		Started:             n.StartedText,
		Completed:           n.CompletedText,
		CompletedNoArtifact: n.CompletedTextNoArtifact,
		ArtifactURL:         n.ArtifactURL,
	}
}

// secretSources resolves each credential from the config when set there and
// from Parameter Store otherwise.
type secretSources struct {
	slackBot  paramstore.Source
	slackApp  paramstore.Source
	voiceflow paramstore.Source
	openAI    paramstore.Source
}

func newSecretSources(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (secretSources, error) {
	var ps *paramstore.Client
	if cfg.Secrets.ParamPrefix != "" {
		c, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.Secrets.ParamPrefix)
		if err != nil {
			return secretSources{}, fmt.Errorf("creating SSM client: %w", err)
		}
		ps = c
		logger.Info("resolving secrets from parameter store", "prefix", ps.Prefix())
	}
	pick := func(direct, param string) paramstore.Source {
		if direct != "" || ps == nil {
			return paramstore.Static(direct)
		}
		secret := ps.Secret(param)
		logger.Debug("secret source", "param", secret.Name())
		return secret
	}
	s := secretSources{
		slackBot:  pick(cfg.Slack.BotToken, "slack-bot-token"),
		slackApp:  pick(cfg.Slack.AppToken, "slack-app-token"),
		voiceflow: pick(cfg.Voiceflow.APIKey, "voiceflow-api-key"),
	}
	if cfg.OpenAI.APIKey != "" || ps != nil {
		s.openAI = pick(cfg.OpenAI.APIKey, "open-ai-token")
	}
	return s, nil
}
