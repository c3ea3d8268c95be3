package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/nats-io/nats.go"

	"chat-relay/internal/conversation"
	"chat-relay/internal/dedupe"
	"chat-relay/internal/dispatch"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/pipeline"
	"chat-relay/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(os.Getenv("LOG_LEVEL"))

	// ---- Configuration (read only here) ----
	natsURL := envStr("NATS_URL", nats.DefaultURL)
	subject := envStr("PROMPTS_SUBJECT", "prompts")
	model := envStr("OPENAI_MODEL", "text-davinci-003")
	baseURL := os.Getenv("OPENAI_BASE_URL")
	maxRetryElapsed := envDuration(log, "OPENAI_MAX_RETRY_ELAPSED", 0)
	stateBackend := envStr("STATE_BACKEND", "memory")
	stateTTL := envDuration(log, "STATE_TTL", 0)
	stateMaxUsers := envInt(log, "STATE_MAX_USERS", 0)
	dedupeTTL := envDuration(log, "DEDUPE_TTL", 10*time.Minute)
	dispatchTimeout := envDuration(log, "DISPATCH_TIMEOUT", 0)

	// ---- Transport ----
	conn, err := nats.Connect(natsURL, nats.Name("chat-relay"))
	if err != nil {
		log.Error("failed to connect to NATS", "url", natsURL, "err", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Drain() }()

	src, err := pipeline.NewNATSSource(conn, subject)
	if err != nil {
		log.Error("failed to subscribe", "subject", subject, "err", err)
		os.Exit(1)
	}
	defer func() { _ = src.Close() }()

	pub, err := pipeline.NewNATSPublisher(conn)
	if err != nil {
		log.Error("failed to create publisher", "err", err)
		os.Exit(1)
	}

	// ---- Completion client ----
	keys, err := buildKeySource(ctx, log)
	if err != nil {
		log.Error("failed to resolve API key source", "err", err)
		os.Exit(1)
	}
	llmOpts := []openai.Option{
		openai.WithModel(model),
		openai.WithRetryPolicy(500*time.Millisecond, 2, maxRetryElapsed),
	}
	if baseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.NewClient(keys, llmOpts...)
	if err != nil {
		log.Error("failed to create completion client", "err", err)
		os.Exit(1)
	}

	// ---- Conversation state ----
	store, err := buildStore(ctx, log, stateBackend, stateTTL, stateMaxUsers)
	if err != nil {
		log.Error("failed to create conversation store", "backend", stateBackend, "err", err)
		os.Exit(1)
	}

	// ---- Dispatcher and driver ----
	var dispatchOpts []dispatch.DispatcherOption
	if dispatchTimeout > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithTimeout(dispatchTimeout))
	}
	disp, err := dispatch.New(store, llm, log, dispatchOpts...)
	if err != nil {
		log.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}
	defer disp.Close()

	driver, err := pipeline.New(src, pub, disp, log,
		pipeline.WithDedupe(dedupe.New(dedupeTTL, 4096)))
	if err != nil {
		log.Error("failed to create pipeline driver", "err", err)
		os.Exit(1)
	}

	log.Info("chat-relay started", "subject", subject, "model", model, "state_backend", stateBackend)
	if err := driver.Run(ctx); err != nil {
		log.Error("pipeline stopped", "err", err)
		os.Exit(1)
	}
	log.Info("chat-relay shut down")
}

// buildKeySource prefers OPENAI_API_KEY; OPENAI_KEY_PARAM switches to SSM
// Parameter Store for deployments that keep the key out of the environment.
func buildKeySource(ctx context.Context, log *slog.Logger) (openai.KeySource, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return openai.StaticKey(key), nil
	}

	param := mustEnv(log, "OPENAI_KEY_PARAM")
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	return paramstore.NewKeySource(ps, param)
}

// buildStore selects the conversation state backend.
func buildStore(ctx context.Context, log *slog.Logger, backend string, ttl time.Duration, maxUsers int) (conversation.Store, error) {
	switch backend {
	case "memory":
		var opts []conversation.MemoryOption
		if ttl > 0 {
			opts = append(opts, conversation.WithTTL(ttl))
		}
		if maxUsers > 0 {
			opts = append(opts, conversation.WithMaxUsers(maxUsers))
		}
		return conversation.NewMemoryStore(opts...), nil
	case "dynamodb":
		table := mustEnv(log, "STATE_TABLE")
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		var opts []repository.StoreOption
		if ttl > 0 {
			opts = append(opts, repository.WithItemTTL(ttl))
		}
		return repository.New(awsdynamodb.NewFromConfig(cfg), table, opts...)
	default:
		return nil, fmt.Errorf("unknown STATE_BACKEND %q", backend)
	}
}

func mustEnv(log *slog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(log *slog.Logger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("ignoring unparsable integer", "key", key, "value", v)
		return def
	}
	return n
}

func envDuration(log *slog.Logger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("ignoring unparsable duration", "key", key, "value", v)
		return def
	}
	return d
}
