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

	"writeoff-bot/handler"
	"writeoff-bot/internal/integrations/erp"
	"writeoff-bot/internal/integrations/paramstore"
	"writeoff-bot/internal/repository"
	"writeoff-bot/internal/usecase"
)

func main() {
	ctx := context.Background()
	log := slog.Default()

	// ---- Configuration (read only here) ----
	auditTable := mustEnv("AUDIT_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	erpBaseURL := mustEnv("ERP_BASE_URL")
	tzName := envOr("TZ_NAME", "Asia/Novosibirsk")

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		slog.Error("invalid timezone", "tz", tzName, "err", err)
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
	auditStore, err := repository.NewAuditStore(awsdynamodb.NewFromConfig(cfg), auditTable)
	if err != nil {
		slog.Error("failed to create audit store", "err", err)
		os.Exit(1)
	}

	session, err := erp.NewSession(erpBaseURL, ssmClient, paramPrefix+"/erp-credentials")
	if err != nil {
		slog.Error("failed to create ERP session", "err", err)
		os.Exit(1)
	}
	erpClient, err := erp.NewClient(erpBaseURL, session)
	if err != nil {
		slog.Error("failed to create ERP client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	catalog := usecase.NewCatalogCache(erpClient, log)
	coordinator, err := usecase.NewCoordinator(auditStore, erpClient, loc, log)
	if err != nil {
		slog.Error("failed to create coordinator", "err", err)
		os.Exit(1)
	}
	reporter := usecase.NewReporter(auditStore, log)
	workflow, err := usecase.NewWorkflow(catalog, coordinator, auditStore, reporter, loc, log)
	if err != nil {
		slog.Error("failed to create workflow", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(workflow)
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

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
