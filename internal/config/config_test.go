package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644), "无法写入临时配置文件")
	return configPath
}

// TestLoadConfigBasic 验证完整配置文件能被正确解析
func TestLoadConfigBasic(t *testing.T) {
	yamlContent := `
aliyun:
  api_key: "sk-test"
  api_url: "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
  model: "qwen-plus"
  embedding:
    model: "text-embedding-v3"
    dimensions: 1024
qdrant:
  endpoint: "http://localhost:6333"
  collection: "cv_passages"
redis:
  address: "localhost:6379"
engine:
  mode: "agent"
  max_tool_rounds: 4
  retrieval_top_k: 5
rate_limit:
  requests_per_minute: 10
  requests_per_day: 30
cv:
  source: "file"
  file_path: "testdata/mycv.json"
model_qpm_limits:
  qwen-plus: 60
  text-embedding-v3: 120
`
	cfg, err := LoadConfig(writeTempConfig(t, yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "sk-test", cfg.Aliyun.APIKey)
	assert.Equal(t, "qwen-plus", cfg.Aliyun.Model)
	assert.Equal(t, 1024, cfg.Aliyun.Embedding.Dimensions)
	assert.Equal(t, "agent", cfg.Engine.Mode)
	assert.Equal(t, 4, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 5, cfg.Engine.RetrievalTopK)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerDay)
	assert.Equal(t, "testdata/mycv.json", cfg.CV.FilePath)
	assert.Equal(t, map[string]int{"qwen-plus": 60, "text-embedding-v3": 120}, cfg.ModelQPMLimits)
}

// TestLoadConfigDefaults 验证缺省字段会被填充默认值
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, `
aliyun:
  api_key: "sk-test"
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "cv_passages", cfg.Qdrant.Collection)
	assert.Equal(t, 1024, cfg.Qdrant.Dimension)
	assert.Equal(t, "agent", cfg.Engine.Mode)
	assert.Equal(t, 5, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 3, cfg.Engine.RetrievalTopK)
	assert.Equal(t, 15, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerDay)
	assert.Equal(t, "file", cfg.CV.Source)
	assert.Equal(t, "cv.events", cfg.RabbitMQ.EventsExchange)
	assert.Equal(t, "cv.updated", cfg.RabbitMQ.UpdatedRoutingKey)
}

// TestLoadConfigEnvOverride 验证环境变量覆盖敏感字段
func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("CV_AGENT_ALIYUN_API_KEY", "sk-from-env")
	t.Setenv("CV_AGENT_ADMIN_API_KEY", "admin-from-env")

	cfg, err := LoadConfig(writeTempConfig(t, `
aliyun:
  api_key: "sk-from-file"
server:
  admin_api_key: "admin-from-file"
`))
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.Aliyun.APIKey)
	assert.Equal(t, "admin-from-env", cfg.Server.AdminAPIKey)
}

// TestLoadConfigMissingFile 验证配置文件不存在时返回错误
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

// TestValidate 验证启动必需项校验
func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, `
aliyun:
  api_key: "sk-test"
`))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())

	// 缺少API密钥属于致命配置错误
	cfg.Aliyun.APIKey = ""
	assert.Error(t, cfg.Validate())

	cfg.Aliyun.APIKey = "sk-test"
	cfg.CV.Source = "ftp"
	assert.Error(t, cfg.Validate())

	cfg.CV.Source = "minio"
	cfg.Engine.Mode = "graph"
	assert.Error(t, cfg.Validate())
}
