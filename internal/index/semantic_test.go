package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"

	"cv-agent-go/internal/storage"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder 确定性的测试嵌入器: 按关键词出现次数生成向量
type keywordEmbedder struct {
	keywords []string
	calls    int
	failNext bool
}

func (e *keywordEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	e.calls++
	if e.failNext {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := make([]float64, len(e.keywords))
		for j, kw := range e.keywords {
			vec[j] = float64(strings.Count(lower, kw))
		}
		out[i] = vec
	}
	return out, nil
}

// memoryVectorDB 进程内向量库, 用真实余弦相似度排序
type memoryVectorDB struct {
	passages   []types.Passage
	embeddings [][]float64
	recreates  int
	failStore  bool
}

var _ storage.VectorDatabase = (*memoryVectorDB)(nil)

func (m *memoryVectorDB) StorePassageVectors(_ context.Context, corpusVersion string, passages []types.Passage, embeddings [][]float64) ([]string, error) {
	if m.failStore {
		return nil, fmt.Errorf("vector store down")
	}
	m.passages = append(m.passages, passages...)
	m.embeddings = append(m.embeddings, embeddings...)
	ids := make([]string, len(passages))
	for i, p := range passages {
		ids[i] = storage.PassagePointID(corpusVersion, p)
	}
	return ids, nil
}

func (m *memoryVectorDB) SearchSimilarPassages(_ context.Context, queryVector []float64, limit int) ([]storage.SearchResult, error) {
	results := make([]storage.SearchResult, 0, len(m.passages))
	for i, p := range m.passages {
		results = append(results, storage.SearchResult{
			ID:    fmt.Sprintf("point-%d", i),
			Score: float32(cosine(queryVector, m.embeddings[i])),
			Payload: map[string]interface{}{
				"content":     p.Content,
				"source_tag":  p.SourceTag,
				"chunk_index": float64(p.ChunkIndex),
			},
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *memoryVectorDB) RecreateCollection(context.Context) error {
	m.recreates++
	m.passages = nil
	m.embeddings = nil
	return nil
}

func (m *memoryVectorDB) CountPoints(context.Context) (int64, error) {
	return int64(len(m.passages)), nil
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func testPassages() []types.Passage {
	return []types.Passage{
		{Content: "Experienced data leader focused on machine learning platforms.", SourceTag: "introduction"},
		{Content: "DETAILED PROJECT REPORT\nProject Name: Fraud Detection System\nProblem: fraud flagged too many payments\nAchievements:\n- Reduced false positives by 30%", SourceTag: "detail_project_fraud_detection_system"},
		{Content: "Title: Senior Data Scientist at RetailCo\nResponsibilities:\n- Built demand forecast models", SourceTag: "experience_retailco"},
	}
}

func newTestIndex(topK int) (*SemanticIndex, *keywordEmbedder, *memoryVectorDB) {
	embedder := &keywordEmbedder{keywords: []string{"fraud", "forecast", "data"}}
	vectorDB := &memoryVectorDB{}
	return NewSemanticIndex(embedder, vectorDB, topK), embedder, vectorDB
}

func TestRebuildAndQueryTopResult(t *testing.T) {
	idx, _, _ := newTestIndex(3)
	ctx := context.Background()

	require.NoError(t, idx.Rebuild(ctx, "v1", testPassages()))
	assert.True(t, idx.Available())
	assert.Equal(t, 3, idx.PassageCount())

	results, err := idx.Query(ctx, "Tell me about the fraud detection project and its false positives")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, "detail_project_fraud_detection_system", top.Passage.SourceTag)
	assert.Contains(t, top.Passage.Content, "Reduced false positives by 30%")

	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestQueryRespectsTopK(t *testing.T) {
	idx, _, _ := newTestIndex(2)
	ctx := context.Background()

	require.NoError(t, idx.Rebuild(ctx, "v1", testPassages()))

	results, err := idx.Query(ctx, "data forecast fraud")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestQueryBreaksScoreTiesByChunkOrder(t *testing.T) {
	idx, _, _ := newTestIndex(3)
	ctx := context.Background()

	// 同一来源的同分片段乱序入库, 检索结果要按切分顺序返回
	passages := []types.Passage{
		{Content: "fraud detection pipeline", SourceTag: "detail_project_fraud_detection_system", ChunkIndex: 2},
		{Content: "fraud detection pipeline", SourceTag: "detail_project_fraud_detection_system", ChunkIndex: 0},
		{Content: "fraud detection pipeline", SourceTag: "detail_project_fraud_detection_system", ChunkIndex: 1},
	}
	require.NoError(t, idx.Rebuild(ctx, "v1", passages))

	results, err := idx.Query(ctx, "fraud")
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i := 1; i < len(results); i++ {
		require.Equal(t, results[0].Score, results[i].Score)
	}
	assert.Equal(t, 0, results[0].Passage.ChunkIndex)
	assert.Equal(t, 1, results[1].Passage.ChunkIndex)
	assert.Equal(t, 2, results[2].Passage.ChunkIndex)
}

func TestEmptyCorpusMakesIndexUnavailable(t *testing.T) {
	idx, _, vectorDB := newTestIndex(3)
	ctx := context.Background()

	require.NoError(t, idx.Rebuild(ctx, "v1", nil))
	assert.False(t, idx.Available())
	assert.Equal(t, 1, vectorDB.recreates)

	_, err := idx.Query(ctx, "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRebuildFailureMakesIndexUnavailable(t *testing.T) {
	idx, embedder, vectorDB := newTestIndex(3)
	ctx := context.Background()

	require.NoError(t, idx.Rebuild(ctx, "v1", testPassages()))
	require.True(t, idx.Available())

	vectorDB.failStore = true
	err := idx.Rebuild(ctx, "v2", testPassages())
	assert.Error(t, err)
	assert.False(t, idx.Available())

	vectorDB.failStore = false
	embedder.failNext = true
	err = idx.Rebuild(ctx, "v3", testPassages())
	assert.Error(t, err)
	assert.False(t, idx.Available())
}

func TestEmbedAllBatches(t *testing.T) {
	idx, embedder, _ := newTestIndex(3)
	ctx := context.Background()

	passages := make([]types.Passage, 25)
	for i := range passages {
		passages[i] = types.Passage{Content: fmt.Sprintf("data passage %d", i), SourceTag: "introduction", ChunkIndex: i}
	}

	require.NoError(t, idx.Rebuild(ctx, "v1", passages))
	// 25条语料按批量上限10拆成3次调用
	assert.Equal(t, 3, embedder.calls)
	assert.Equal(t, 25, idx.PassageCount())
}

func TestNilDependenciesRejected(t *testing.T) {
	idx := NewSemanticIndex(nil, nil, 3)
	err := idx.Rebuild(context.Background(), "v1", testPassages())
	assert.ErrorIs(t, err, ErrUnavailable)
}
