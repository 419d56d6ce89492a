package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
)

// ErrUnavailable 表示语义索引当前不可用 (语料为空或上次重建失败)。
// 检索端据此降级为"无上下文"回答, 而不是把错误透传给用户。
var ErrUnavailable = errors.New("semantic index unavailable")

// DashScope embedding 接口单次请求的批量上限
const embedBatchSize = 10

// SemanticIndex 语义检索索引: 嵌入模型加向量库的组合。
// Rebuild 是整体替换语义; Query 在索引不可用时返回 ErrUnavailable。
// 并发安全: 重建期间的查询按旧状态处理。
type SemanticIndex struct {
	embedder embedding.Embedder
	vectorDB storage.VectorDatabase
	topK     int

	mu            sync.RWMutex
	available     bool
	corpusVersion string
	passageCount  int
}

// NewSemanticIndex 创建语义索引
func NewSemanticIndex(embedder embedding.Embedder, vectorDB storage.VectorDatabase, topK int) *SemanticIndex {
	if topK <= 0 {
		topK = 3
	}
	return &SemanticIndex{
		embedder: embedder,
		vectorDB: vectorDB,
		topK:     topK,
	}
}

// Available 索引当前是否可查询
func (s *SemanticIndex) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// PassageCount 已索引的片段数
func (s *SemanticIndex) PassageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.passageCount
}

// Rebuild 清空并重建索引。空语料使索引进入不可用状态 (不算错误);
// 嵌入或写入失败时索引同样置为不可用并返回错误, 让调用方决定重试。
func (s *SemanticIndex) Rebuild(ctx context.Context, corpusVersion string, passages []types.Passage) error {
	if s.embedder == nil || s.vectorDB == nil {
		s.setState(false, corpusVersion, 0)
		return fmt.Errorf("语义索引未配置嵌入模型或向量库: %w", ErrUnavailable)
	}

	startTime := time.Now()

	if err := s.vectorDB.RecreateCollection(ctx); err != nil {
		s.setState(false, corpusVersion, 0)
		return fmt.Errorf("重建向量集合失败: %w", err)
	}

	if len(passages) == 0 {
		s.setState(false, corpusVersion, 0)
		logger.Warn().Str("corpus_version", corpusVersion).Msg("语料为空, 语义索引进入不可用状态")
		return nil
	}

	embeddings, err := s.embedAll(ctx, passages)
	if err != nil {
		s.setState(false, corpusVersion, 0)
		return fmt.Errorf("嵌入语料片段失败: %w", err)
	}

	if _, err := s.vectorDB.StorePassageVectors(ctx, corpusVersion, passages, embeddings); err != nil {
		s.setState(false, corpusVersion, 0)
		return fmt.Errorf("写入向量库失败: %w", err)
	}

	s.setState(true, corpusVersion, len(passages))
	logger.Info().
		Str("corpus_version", corpusVersion).
		Int("passages", len(passages)).
		Dur("duration", time.Since(startTime)).
		Msg("语义索引重建完成")
	return nil
}

// Query 检索与问题最相关的片段, 按相似度降序
func (s *SemanticIndex) Query(ctx context.Context, query string) ([]types.ScoredPassage, error) {
	s.mu.RLock()
	available := s.available
	topK := s.topK
	s.mu.RUnlock()

	if !available {
		return nil, ErrUnavailable
	}

	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("嵌入查询失败: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("嵌入查询返回空结果")
	}

	results, err := s.vectorDB.SearchSimilarPassages(ctx, vectors[0], topK)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	scored := make([]types.ScoredPassage, 0, len(results))
	for _, r := range results {
		scored = append(scored, types.ScoredPassage{
			Passage: passageFromPayload(r.Payload),
			Score:   r.Score,
		})
	}
	// 向量库不保证同分结果的顺序, 同分时按切分顺序排
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Passage.ChunkIndex < scored[j].Passage.ChunkIndex
	})
	return scored, nil
}

// embedAll 分批嵌入全部片段, 保持与输入相同的顺序
func (s *SemanticIndex) embedAll(ctx context.Context, passages []types.Passage) ([][]float64, error) {
	embeddings := make([][]float64, 0, len(passages))

	for start := 0; start < len(passages); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(passages) {
			end = len(passages)
		}

		texts := make([]string, 0, end-start)
		for _, p := range passages[start:end] {
			texts = append(texts, p.Content)
		}

		batch, err := s.embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("嵌入批次 [%d:%d] 失败: %w", start, end, err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("嵌入批次 [%d:%d] 返回 %d 个向量, 期望 %d", start, end, len(batch), len(texts))
		}
		embeddings = append(embeddings, batch...)
	}

	return embeddings, nil
}

func (s *SemanticIndex) setState(available bool, corpusVersion string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
	s.corpusVersion = corpusVersion
	s.passageCount = count
}

// passageFromPayload 从向量库载荷还原片段。载荷缺字段时留零值。
func passageFromPayload(payload map[string]interface{}) types.Passage {
	p := types.Passage{}
	if v, ok := payload["content"].(string); ok {
		p.Content = v
	}
	if v, ok := payload["source_tag"].(string); ok {
		p.SourceTag = v
	}
	// JSON数字解码为float64
	if v, ok := payload["chunk_index"].(float64); ok {
		p.ChunkIndex = int(v)
	}
	return p
}
