package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "cvchat"

	// ChatModulePrefix 会话模块
	ChatModulePrefix = "chat"
	// RateLimitModulePrefix 限流模块
	RateLimitModulePrefix = "rl"

	// KeyChatHistoryPrefix 会话历史 (LIST，元素为 schema.Message 的JSON)
	// 完整键: cvchat:chat:history:{sessionID}
	KeyChatHistoryPrefix = AppPrefix + ":" + ChatModulePrefix + ":history:"

	// KeyRateMinuteWindow 每分钟滑动窗口 (ZSET，member与score均为请求时间戳)
	// 格式: cvchat:rl:min:{sessionID}
	KeyRateMinuteWindow = AppPrefix + ":" + RateLimitModulePrefix + ":min:%s"

	// KeyRateDailyCount 当日请求计数 (STRING计数器，按日期分键，次日自动过期)
	// 格式: cvchat:rl:day:{sessionID}:{yyyy-mm-dd}
	KeyRateDailyCount = AppPrefix + ":" + RateLimitModulePrefix + ":day:%s:%s"
)
