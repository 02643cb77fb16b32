package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"household-agent/handler"
	"household-agent/internal/integrations/openai"
	"household-agent/internal/integrations/paramstore"
	"household-agent/internal/integrations/telegram"
	"household-agent/internal/repository"
	"household-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	botSenderID := os.Getenv("BOT_SENDER_ID")
	tzName := envString("LOCAL_TIMEZONE", "Europe/Stockholm")

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		slog.Error("invalid LOCAL_TIMEZONE", "tz", tzName, "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	classifier, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	dispatcher, err := telegram.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}

	// ---- Pipeline ----
	policy, err := usecase.NewPolicyEngine(stateClient, botSenderID, loc)
	if err != nil {
		slog.Error("failed to create policy engine", "err", err)
		os.Exit(1)
	}
	pipeline, err := usecase.NewPipeline(ssmClient, classifier, dispatcher, stateClient, policy, paramPrefix, loc, slog.Default())
	if err != nil {
		slog.Error("failed to create pipeline", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(pipeline, slog.Default())
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
