package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cv-agent-go/internal/agent"
	"cv-agent-go/internal/api/handler"
	"cv-agent-go/internal/api/router"
	"cv-agent-go/internal/config"
	"cv-agent-go/internal/cv"
	"cv-agent-go/internal/index"
	applog "cv-agent-go/internal/logger"
	"cv-agent-go/internal/parser"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/tracing"
	"cv-agent-go/internal/types"
	"cv-agent-go/pkg/ratelimit"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}

	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var shutdownTracing func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracing, err = tracing.InitTracerProvider(ctx, tracing.Options{
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SampleRatio:  cfg.Tracing.SampleRatio,
		})
		if err != nil {
			glog.Fatalf("初始化链路追踪失败: %v", err)
		}
		glog.Info("链路追踪初始化成功")
	}

	// 存储是尽力而为的: 任何可选后端缺失时对应能力降级, 不阻止启动
	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Warnf("初始化存储失败, 以无外部存储模式运行: %v", err)
		store = nil
	} else {
		glog.Info("存储服务初始化成功")
	}

	aliyunEmbedder, err := parser.NewAliyunEmbedder(cfg.Aliyun.APIKey, cfg.Aliyun.Embedding)
	if err != nil {
		glog.Fatalf("初始化阿里云Embedder失败: %v", err)
	}
	embedder := ratelimit.NewEmbedderWithRateLimit(aliyunEmbedder, cfg.Aliyun.Embedding.QPM)

	var pdfExtractor *parser.EinoPDFTextExtractor
	if cfg.CV.AttachmentPath != "" {
		pdfExtractor, err = parser.NewEinoPDFTextExtractor(ctx)
		if err != nil {
			glog.Warnf("创建PDF提取器失败, 附件语料不可用: %v", err)
		}
	}

	qwen, err := agent.NewAliyunQwenChatModel(cfg.Aliyun.APIKey, cfg.Aliyun.Model, cfg.Aliyun.APIURL)
	if err != nil {
		glog.Fatalf("初始化通义千问模型失败: %v", err)
	}
	llm := ratelimit.NewLLMWithRateLimit(
		qwen,
		cfg.Aliyun.Model,
		cfg.ModelQPMLimits,
		cfg.Engine.QPM,
		cfg.Engine.MaxRetries,
		time.Duration(cfg.Engine.RetryWaitSeconds)*time.Second,
	)

	var memory agent.ChatMemory
	if store != nil && store.Redis != nil {
		memory, err = agent.NewRedisChatMemory(store.Redis.Client, cfg.Redis.ChatHistoryTTL())
		if err != nil {
			glog.Fatalf("初始化Redis会话记忆失败: %v", err)
		}
		glog.Info("会话记忆使用Redis")
	} else {
		memory = agent.NewInMemoryChatMemory()
		glog.Warn("Redis不可用, 会话记忆退化为进程内实现, 重启后历史丢失")
	}

	var vectorDB storage.VectorDatabase
	if store != nil && store.Qdrant != nil {
		vectorDB = store.Qdrant
	}
	semanticIdx := index.NewSemanticIndex(embedder, vectorDB, cfg.Engine.RetrievalTopK)

	source, err := cv.NewRecordSource(&cfg.CV, store)
	if err != nil {
		glog.Fatalf("初始化简历数据源失败: %v", err)
	}
	builder := cv.NewCorpusBuilder()

	rebuildIndex := func(ctx context.Context, passages []types.Passage) error {
		if pdfExtractor != nil {
			passages = append(passages, cv.LoadAttachmentPassages(ctx, pdfExtractor, cfg.CV.AttachmentPath, builder)...)
		}
		version := fmt.Sprintf("v%d", time.Now().Unix())
		return semanticIdx.Rebuild(ctx, version, passages)
	}

	var responder agent.Responder
	var apply cv.ApplyFunc

	switch cfg.Engine.Mode {
	case "rag":
		rag, err := agent.NewRAGResponder(llm, semanticIdx, memory, cfg.Engine)
		if err != nil {
			glog.Fatalf("初始化RAG问答器失败: %v", err)
		}
		responder = rag
		apply = func(ctx context.Context, _ *types.CVRecord, passages []types.Passage) error {
			return rebuildIndex(ctx, passages)
		}
		glog.Info("引擎模式: rag (单次检索)")
	default:
		engine, err := agent.NewEngine(llm, cv.NewToolRegistry(&types.CVRecord{}), memory, cfg.Engine)
		if err != nil {
			glog.Fatalf("初始化工具代理引擎失败: %v", err)
		}
		responder = engine
		apply = func(ctx context.Context, record *types.CVRecord, passages []types.Passage) error {
			// 工具问答不依赖语义索引, 索引重建失败只降级检索能力
			if err := rebuildIndex(ctx, passages); err != nil {
				glog.Warnf("重建语义索引失败, 检索能力降级: %v", err)
			}
			return engine.SwapRegistry(ctx, cv.NewToolRegistry(record))
		}
		glog.Info("引擎模式: agent (多轮工具调用)")
	}

	var mq *storage.RabbitMQ
	if store != nil {
		mq = store.RabbitMQ
	}
	reindexer := cv.NewReindexer(source, builder, mq, cfg.RabbitMQ.ReindexQueue, apply)
	if err := reindexer.Rebuild(ctx); err != nil {
		glog.Warnf("初始简历加载失败, 服务以降级状态启动: %v", err)
	}
	if err := reindexer.Start(); err != nil {
		glog.Warnf("启动简历更新事件消费者失败, 退化为仅启动时加载: %v", err)
	}

	var counter ratelimit.RequestCounter = ratelimit.NewInMemoryCounter()
	if store != nil && store.Redis != nil {
		counter = store.Redis
	}
	limiter := ratelimit.NewSessionLimiter(counter, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerDay)

	chatHandler := handler.NewChatHandler(cfg, responder, limiter, store, reindexer)

	var h *server.Hertz
	if cfg.Tracing.Enabled {
		tracer, tracerCfg := hertztracing.NewServerTracer()
		h = server.New(
			server.WithHostPorts(cfg.Server.Address),
			server.WithHandleMethodNotAllowed(true),
			tracer,
		)
		h.Use(hertztracing.ServerMiddleware(tracerCfg))
	} else {
		h = server.New(
			server.WithHostPorts(cfg.Server.Address),
			server.WithHandleMethodNotAllowed(true),
		)
	}

	h.Use(func(c context.Context, rc *app.RequestContext) {
		glog.CtxInfof(c, "Request: %s %s", string(rc.Method()), string(rc.Path()))
		rc.Next(c)
		glog.CtxInfof(c, "Response: status %d", rc.Response.StatusCode())
	})

	router.RegisterRoutes(h, chatHandler, cfg.Server.AdminAPIKey)
	glog.Infof("HTTP服务器启动中, 监听地址: %s", cfg.Server.Address)

	go func() {
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号, 正在优雅退出...")

	reindexer.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}

	if store != nil {
		store.Close()
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			glog.Errorf("关闭链路追踪失败: %v", err)
		}
	}
	glog.Info("优雅退出完成")
}

// initLogger 初始化zerolog全局日志, 并把Hertz的框架日志接到同一个输出上
func initLogger(cfg *config.Config) {
	applog.Init(applog.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	glog.SetLogger(hertzadapter.From(applog.Logger))
}
