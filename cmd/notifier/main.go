package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	slackapi "github.com/slack-go/slack"

	"dialogue-relay/handler"
	"dialogue-relay/internal/auth"
	"dialogue-relay/internal/config"
	"dialogue-relay/internal/integrations/paramstore"
	"dialogue-relay/internal/logging"
	"dialogue-relay/internal/repository"
	"dialogue-relay/internal/slack"
	"dialogue-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.Logging.Level, "json")
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	var botToken paramstore.Source = paramstore.Static(cfg.Slack.BotToken)
	if cfg.Slack.BotToken == "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.Secrets.ParamPrefix)
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		secret := ssmClient.Secret("slack-bot-token")
		logger.Debug("slack bot token from parameter store", "param", secret.Name())
		botToken = secret
	}
	token, err := botToken.Value(ctx)
	if err != nil {
		slog.Error("failed to resolve slack bot token", "err", err)
		os.Exit(1)
	}

	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.Table, cfg.Store.RecordTTL)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	slackOpts := []slackapi.Option{}
	if cfg.Slack.APIURL != "" {
		slackOpts = append(slackOpts, slackapi.OptionAPIURL(cfg.Slack.APIURL))
	}
	presenter, err := slack.NewPresenter(slackapi.New(token, slackOpts...), cfg.Slack.PostsPerSecond, logger)
	if err != nil {
		slog.Error("failed to create presenter", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	relay, err := usecase.NewRelay(stateClient, presenter, usecase.RelayTemplates{
		Started:             cfg.Notify.StartedText,
		Completed:           cfg.Notify.CompletedText,
		CompletedNoArtifact: cfg.Notify.CompletedTextNoArtifact,
		ArtifactURL:         cfg.Notify.ArtifactURL,
	}, logger)
	if err != nil {
		slog.Error("failed to create relay", "err", err)
		os.Exit(1)
	}

	opts := []handler.Option{handler.WithLogger(logger)}
	if cfg.Auth.TaskSignalSecret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.TaskSignalSecret)
		if err != nil {
			slog.Error("failed to create verifier", "err", err)
			os.Exit(1)
		}
		opts = append(opts, handler.WithVerifier(verifier))
	}
	h, err := handler.NewHandler(relay, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
