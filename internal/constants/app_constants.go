package constants

import "time"

// 服务标识
const (
	ServiceName    = "cv-agent-go"
	ServiceVersion = "1.0.0"
)

// 会话限流默认值（可被配置覆盖，是策略常量而非协议要求）
const (
	DefaultRequestsPerMinute = 15
	DefaultRequestsPerDay    = 50
)

// 引擎与语料构建默认参数
const (
	DefaultMaxToolRounds      = 5
	DefaultRetrievalTopK      = 3
	DefaultTurnTimeout        = 60 * time.Second
	DefaultChatMemoryTTL      = 24 * time.Hour
	DefaultChunkSizeLimit     = 1200
	DefaultChunkOverlap       = 150
	DefaultEmbeddingDimension = 1024
)

// RabbitMQ 事件拓扑
const (
	CVEventsExchange    = "cv.events"
	CVUpdatedRoutingKey = "cv.updated"
	CVReindexQueue      = "cv.reindex.queue"
)

// DetailProjectMarker 项目详情片段使用的字面标记。
// 回答组装提示依赖该标记触发结构化答复格式，任何改写都会破坏提示对齐。
const DetailProjectMarker = "DETAILED PROJECT REPORT"
