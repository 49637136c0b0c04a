package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenLake-Chain/internal/agent"
	"OpenLake-Chain/internal/api"
	"OpenLake-Chain/internal/auth"
	"OpenLake-Chain/internal/config"
	"OpenLake-Chain/internal/knowledge"
	"OpenLake-Chain/internal/llm"
	"OpenLake-Chain/internal/llm/mock"
	"OpenLake-Chain/internal/llm/openai"
	"OpenLake-Chain/internal/observability/alerting"
	"OpenLake-Chain/internal/observability/metrics"
	"OpenLake-Chain/internal/storage/mysql"
	rediscache "OpenLake-Chain/internal/storage/redis"
	"OpenLake-Chain/internal/task"
	"OpenLake-Chain/internal/tool"
	"OpenLake-Chain/internal/tool/retriever"
	warehousetool "OpenLake-Chain/internal/tool/warehouse"
	"OpenLake-Chain/internal/warehouse"
	"OpenLake-Chain/pkg/logger"
	"OpenLake-Chain/pkg/plugin"

	// 注册数仓与任务存储用到的数据库驱动。
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// main 是 OpenLake 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("openlaked 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENLAKE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openlake.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	// 数仓连接与查询缓存。
	warehouseOpts := []warehouse.Option{}
	if cfg.Warehouse.Cache.Enabled {
		cache, err := rediscache.NewQueryCache(rediscache.CacheConfig{
			Address:  cfg.Warehouse.Cache.Address,
			Password: cfg.Warehouse.Cache.Password,
			DB:       cfg.Warehouse.Cache.DB,
			TTL:      time.Duration(cfg.Warehouse.Cache.TTLSec) * time.Second,
		})
		if err != nil {
			return err
		}
		defer cache.Close()
		warehouseOpts = append(warehouseOpts, warehouse.WithCache(cache))
	}
	connector, err := warehouse.Open(ctx, warehouse.Config{
		Driver:       cfg.Warehouse.Driver,
		DSN:          cfg.Warehouse.DSN,
		MaxOpenConns: cfg.Warehouse.MaxOpenConns,
		MaxIdleConns: cfg.Warehouse.MaxIdleConns,
		MaxRows:      cfg.Warehouse.MaxRows,
		QueryTimeout: cfg.Warehouse.QueryTimeout(),
	}, warehouseOpts...)
	if err != nil {
		return err
	}
	defer connector.Close()

	// 知识库。
	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	// 工具注册表：数仓工具 + 知识库问答工具 + 插件贡献的工具。
	registry := tool.NewRegistry()
	toolSet := warehousetool.Toolkit(connector)
	if knowledgeProvider != nil {
		toolSet = append(toolSet,
			retriever.NewQATool(knowledgeProvider, llmClient),
			retriever.NewQAWithSourcesTool(knowledgeProvider, llmClient),
		)
	}

	var pluginManager *plugin.Manager
	if cfg.Plugins.ManifestPath != "" {
		manifest, err := plugin.LoadManagerConfig(cfg.Plugins.ManifestPath)
		if err != nil {
			return err
		}
		pluginManager, err = plugin.NewManager(manifest)
		if err != nil {
			return err
		}
		if err := pluginManager.StartAll(ctx); err != nil {
			return err
		}
		defer func() {
			if err := pluginManager.StopAll(context.Background()); err != nil {
				logger.L().Error("停止插件失败", slog.Any("error", err))
			}
		}()
		for _, p := range pluginManager.Plugins(plugin.TypeToolpack) {
			if source, ok := p.(interface{ Tools() []tool.Tool }); ok {
				toolSet = append(toolSet, source.Tools()...)
			}
		}
	}

	for _, item := range toolSet {
		runner, err := tool.NewRunner(item,
			tool.WithCallbacks(tool.NewLogCallbacks(nil)),
			tool.WithCallbacks(tool.MetricsCallbacks{}),
			tool.WithErrorHandler(tool.DefaultErrorText),
		)
		if err != nil {
			return err
		}
		if err := registry.Register(runner); err != nil {
			return err
		}
	}

	// 问答历史存储。
	var runRepo mysql.RunRepository
	switch cfg.Storage.RunStore.Driver {
	case "memory":
		repo, err := mysql.NewMemoryRunRepository(dataDir)
		if err != nil {
			return err
		}
		runRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLRunRepository(ctx, mysql.Config{DSN: cfg.Storage.RunStore.DSN})
		if err != nil {
			return err
		}
		runRepo = repo
	default:
		return fmt.Errorf("未知的问答历史存储: %s", cfg.Storage.RunStore.Driver)
	}
	if closer, ok := runRepo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	agentOpts := []agent.Option{
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
	}
	if knowledgeProvider != nil {
		agentOpts = append(agentOpts, agent.WithKnowledgeProvider(knowledgeProvider))
	}
	if cfg.Agent.LLMTimeoutSec > 0 {
		agentOpts = append(agentOpts, agent.WithLLMTimeout(time.Duration(cfg.Agent.LLMTimeoutSec)*time.Second))
	}
	ag := agent.New(llmClient, registry, runRepo, agentOpts...)

	// 任务存储与队列。
	var taskStore task.Store
	switch cfg.Task.StoreDriver {
	case "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Task.StoreDSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的任务存储: %s", cfg.Task.StoreDriver)
	}
	defer func() {
		_ = taskStore.Close()
	}()

	var taskQueue task.Queue
	switch cfg.Task.Queue.Driver {
	case "memory":
		taskQueue = task.NewMemoryQueue(cfg.Task.Queue.Size)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.Task.Redis.Address,
			Password: cfg.Task.Redis.Password,
			DB:       cfg.Task.Redis.DB,
			Queue:    cfg.Task.Redis.QueueName,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:   cfg.Task.RabbitMQ.URL,
			Queue: cfg.Task.RabbitMQ.QueueName,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Task.Queue.Driver)
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Error("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	// 告警通知。
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Alerting.Webhook.Enabled {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.Webhook.URL,
			Client:  &http.Client{},
			Timeout: time.Duration(cfg.Alerting.Webhook.TimeoutSec) * time.Second,
		})
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Task.MaxRetries)
	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Task.Workers),
		task.WithProcessorLogger(logger.L()),
	}
	if len(notifiers) > 0 {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(alerting.NewFanout(notifiers...)))
	}
	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	// 身份认证。
	serverOpts := []api.Option{}
	if cfg.Auth.Mode != "" && cfg.Auth.Mode != string(auth.ModeDisabled) {
		seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
		for _, seed := range cfg.Auth.Seeds {
			seeds = append(seeds, auth.Seed{
				Username:    seed.Username,
				Password:    seed.Password,
				Roles:       seed.Roles,
				Permissions: seed.Permissions,
				Disabled:    seed.Disabled,
			})
		}
		userStore, err := auth.NewMemoryStore(seeds)
		if err != nil {
			return err
		}
		authService, err := auth.NewService(ctx, auth.Config{
			Mode: auth.Mode(cfg.Auth.Mode),
			JWT: auth.JWTOptions{
				Secret:     cfg.Auth.JWT.ResolveSecret(),
				Issuer:     cfg.Auth.JWT.Issuer,
				Audience:   cfg.Auth.JWT.Audience,
				AccessTTL:  cfg.Auth.JWT.AccessTTL,
				RefreshTTL: cfg.Auth.JWT.RefreshTTL,
			},
		}, userStore)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithAuthService(authService))
	}

	server := api.NewServer(cfg.Server.Address, taskService, serverOpts...)
	logger.L().Info("openlaked 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("warehouse_driver", cfg.Warehouse.Driver),
		slog.String("queue_driver", cfg.Task.Queue.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.ResolveAPIKey())
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		})
	case "mock":
		return mock.NewClient(), nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
