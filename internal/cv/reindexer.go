package cv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/types"
)

// ApplyFunc 把重新加载的简历记录和语料应用到运行中的系统:
// 重建语义索引、替换工具注册表等。必须是整体替换语义, 失败时保留旧状态。
type ApplyFunc func(ctx context.Context, record *types.CVRecord, passages []types.Passage) error

// Reindexer 监听简历更新事件并触发整体重载。
// 事件只是触发信号, 数据始终从记录源重新拉取, 不信任事件体里的内容。
type Reindexer struct {
	source  RecordSource
	builder *CorpusBuilder
	mq      *storage.RabbitMQ
	queue   string
	apply   ApplyFunc

	rebuildTimeout time.Duration
	stopCh         chan struct{}
}

// NewReindexer 创建重索引器
func NewReindexer(source RecordSource, builder *CorpusBuilder, mq *storage.RabbitMQ, queue string, apply ApplyFunc) *Reindexer {
	return &Reindexer{
		source:         source,
		builder:        builder,
		mq:             mq,
		queue:          queue,
		apply:          apply,
		rebuildTimeout: 5 * time.Minute,
	}
}

// Rebuild 从记录源重新加载并应用。启动时和每次更新事件都走这一条路径。
func (r *Reindexer) Rebuild(ctx context.Context) error {
	startTime := time.Now()

	record, err := r.source.Load(ctx)
	if err != nil {
		// 记录加载失败按"记录缺失"处理: 应用空语料, 检索进入不可用状态
		logger.Error().Err(err).Str("source", r.source.Describe()).Msg("加载简历记录失败, 应用空语料")
		record = &types.CVRecord{}
	}

	passages := r.builder.Build(record)

	if err := r.apply(ctx, record, passages); err != nil {
		return fmt.Errorf("应用重建后的简历语料失败: %w", err)
	}

	logger.Info().
		Str("source", r.source.Describe()).
		Int("passages", len(passages)).
		Dur("duration", time.Since(startTime)).
		Msg("简历重载完成")
	return nil
}

// Start 启动更新事件消费者。RabbitMQ未配置时直接跳过, 系统退化为只在启动时加载。
func (r *Reindexer) Start() error {
	if r.mq == nil {
		logger.Info().Msg("RabbitMQ未配置, 简历更新事件消费者未启动")
		return nil
	}

	if err := r.mq.SetupEventTopology(); err != nil {
		return fmt.Errorf("声明简历事件拓扑失败: %w", err)
	}

	stopCh, err := r.mq.StartConsumer(r.queue, 1, r.handleEvent)
	if err != nil {
		return fmt.Errorf("启动简历更新消费者失败: %w", err)
	}
	r.stopCh = stopCh
	return nil
}

// Stop 停止事件消费者
func (r *Reindexer) Stop() {
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

// handleEvent 处理单条更新事件。重建失败返回false让消息重新入队重试。
func (r *Reindexer) handleEvent(body []byte) bool {
	var event storage.CVUpdatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// 格式错误的事件重试也不会成功, 直接Ack丢弃
		logger.Warn().Err(err).Msg("解析简历更新事件失败, 丢弃")
		return true
	}

	logger.Info().
		Str("document_id", event.DocumentID).
		Str("event_source", event.Source).
		Time("occurred_at", event.OccurredAt).
		Msg("收到简历更新事件")

	ctx, cancel := context.WithTimeout(context.Background(), r.rebuildTimeout)
	defer cancel()

	if err := r.Rebuild(ctx); err != nil {
		logger.Error().Err(err).Msg("简历重载失败, 消息重新入队")
		return false
	}
	return true
}
