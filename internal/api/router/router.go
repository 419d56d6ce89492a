package router

import (
	"context"
	"crypto/subtle"

	"cv-agent-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册API路由。
// 管理接口挂在 /admin 下, 由 X-Admin-Key 头的key auth保护;
// adminAPIKey 为空时管理接口直接拒绝, 避免裸奔。
func RegisterRoutes(h *server.Hertz, chatHandler *handler.ChatHandler, adminAPIKey string) {
	api := h.Group("/api/v1")

	api.GET("/health", chatHandler.HandleHealth)
	api.POST("/chat", chatHandler.HandleChat)
	api.POST("/ask", chatHandler.HandleAsk)
	api.GET("/session/:session_id/history", chatHandler.HandleHistory)

	admin := api.Group("/admin")
	if adminAPIKey == "" {
		admin.Use(func(c context.Context, ctx *app.RequestContext) {
			ctx.AbortWithStatusJSON(consts.StatusForbidden, utils.H{"error": "管理接口未配置访问密钥"})
		})
	} else {
		admin.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:X-Admin-Key", ""),
			keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(adminAPIKey)) == 1, nil
			}),
			// 缺失和无效的密钥统一返回401, 覆盖库默认对缺失key返回400的行为
			keyauth.WithErrorHandler(func(_ context.Context, ctx *app.RequestContext, _ error) {
				ctx.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "管理密钥缺失或无效"})
			}),
		))
	}
	admin.POST("/cv", chatHandler.HandleUpdateCV)
	admin.POST("/cv/reload", chatHandler.HandleReload)
}
