package cv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cv-agent-go/internal/config"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/parser"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/types"
)

// RecordSource 简历记录的数据源。
// Load 每次返回一份全新的记录副本; 记录在内存中视为不可变,
// 更新走 Reindexer 的整体重载。
type RecordSource interface {
	Load(ctx context.Context) (*types.CVRecord, error)

	// Describe 返回数据源的人类可读描述, 用于日志与更新事件
	Describe() string
}

// FileRecordSource 从本地JSON文件加载简历
type FileRecordSource struct {
	path string
}

var _ RecordSource = (*FileRecordSource)(nil)

// NewFileRecordSource 创建文件数据源
func NewFileRecordSource(path string) *FileRecordSource {
	return &FileRecordSource{path: path}
}

func (s *FileRecordSource) Load(_ context.Context) (*types.CVRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("读取简历文件 %s 失败: %w", s.path, err)
	}
	return decodeRecord(data, s.Describe())
}

func (s *FileRecordSource) Describe() string {
	return "file:" + s.path
}

// MinIORecordSource 从对象存储加载简历JSON文档
type MinIORecordSource struct {
	store      storage.ObjectStorage
	objectName string
}

var _ RecordSource = (*MinIORecordSource)(nil)

// NewMinIORecordSource 创建对象存储数据源
func NewMinIORecordSource(store storage.ObjectStorage, objectName string) *MinIORecordSource {
	return &MinIORecordSource{store: store, objectName: objectName}
}

func (s *MinIORecordSource) Load(ctx context.Context) (*types.CVRecord, error) {
	data, err := s.store.DownloadObject(ctx, s.objectName)
	if err != nil {
		return nil, fmt.Errorf("下载简历对象 %s 失败: %w", s.objectName, err)
	}
	return decodeRecord(data, s.Describe())
}

func (s *MinIORecordSource) Describe() string {
	return "minio:" + s.objectName
}

// MySQLRecordSource 从MySQL文档表加载简历
type MySQLRecordSource struct {
	db         *storage.MySQL
	documentID string
}

var _ RecordSource = (*MySQLRecordSource)(nil)

// NewMySQLRecordSource 创建MySQL数据源
func NewMySQLRecordSource(db *storage.MySQL, documentID string) *MySQLRecordSource {
	return &MySQLRecordSource{db: db, documentID: documentID}
}

func (s *MySQLRecordSource) Load(ctx context.Context) (*types.CVRecord, error) {
	record, version, err := s.db.GetCVDocument(ctx, s.documentID)
	if err != nil {
		return nil, fmt.Errorf("加载简历文档 %s 失败: %w", s.documentID, err)
	}
	logger.Info().Str("document_id", s.documentID).Int("version", version).Msg("从MySQL加载简历文档")
	return record, nil
}

func (s *MySQLRecordSource) Describe() string {
	return "mysql:" + s.documentID
}

// NewRecordSource 按配置选择数据源实现
func NewRecordSource(cfg *config.CVSourceConfig, store *storage.Storage) (RecordSource, error) {
	switch cfg.Source {
	case "file", "":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("cv.source=file 需要配置 cv.file_path")
		}
		return NewFileRecordSource(cfg.FilePath), nil
	case "minio":
		if store == nil || store.MinIO == nil {
			return nil, fmt.Errorf("cv.source=minio 需要可用的MinIO连接")
		}
		if cfg.ObjectName == "" {
			return nil, fmt.Errorf("cv.source=minio 需要配置 cv.object_name")
		}
		return NewMinIORecordSource(store.MinIO, cfg.ObjectName), nil
	case "mysql":
		if store == nil || store.MySQL == nil {
			return nil, fmt.Errorf("cv.source=mysql 需要可用的MySQL连接")
		}
		if cfg.DocumentID == "" {
			return nil, fmt.Errorf("cv.source=mysql 需要配置 cv.document_id")
		}
		return NewMySQLRecordSource(store.MySQL, cfg.DocumentID), nil
	default:
		return nil, fmt.Errorf("未知的简历数据源类型: %s", cfg.Source)
	}
}

// decodeRecord 解析简历JSON。解析失败返回错误, 调用方按"记录缺失"处理:
// 语料为空序列、检索进入不可用状态, 但进程不退出。
func decodeRecord(data []byte, source string) (*types.CVRecord, error) {
	var record types.CVRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("解析简历JSON失败 (来源 %s): %w", source, err)
	}
	if record.IsEmpty() {
		logger.Warn().Str("source", source).Msg("简历记录解析成功但没有任何内容")
	}
	return &record, nil
}

// LoadAttachmentPassages 提取PDF附件(如完整项目报告)的文本并切分为语料片段。
// 附件是可选的增补材料: 提取失败只记警告, 不影响主语料。
func LoadAttachmentPassages(ctx context.Context, extractor *parser.EinoPDFTextExtractor, attachmentPath string, builder *CorpusBuilder) []types.Passage {
	if attachmentPath == "" || extractor == nil {
		return nil
	}

	text, _, err := extractor.ExtractFullTextFromPDFFile(ctx, attachmentPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", attachmentPath).Msg("提取简历附件文本失败, 跳过")
		return nil
	}
	if text == "" {
		return nil
	}

	tag := "attachment_" + tagify(filepath.Base(attachmentPath))
	return builder.split(text, tag)
}
