package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-pipeline-go/internal/embedding"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

func entityWithEmbedding(t *testing.T, embedder *embedding.FeatureEmbedder, entityType, label, text string, extra ...float64) models.CvEntity {
	t.Helper()
	vector := embedder.Embed(text)
	raw, err := models.FloatsToJSON(vector)
	require.NoError(t, err)
	confidence := 0.8
	if len(extra) > 0 {
		confidence = extra[0]
	}
	return models.CvEntity{
		EntityType: entityType,
		Label:      label,
		Confidence: confidence,
		Source:     string(types.SourceParser),
		Embedding:  raw,
	}
}

func TestSuggestRanksBySimilarity(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder, WithThreshold(0.1))

	candidates := []models.CvEntity{
		entityWithEmbedding(t, embedder, "skill", "Golang Development", "golang development"),
		entityWithEmbedding(t, embedder, "skill", "Project Management", "project management office"),
	}

	suggestions := suggester.Suggest("golang development", candidates, nil)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "Golang Development", suggestions[0].Label, "与查询同文本的候选应排第一")
	assert.InDelta(t, 1.0, suggestions[0].Score, 1e-9, "相同文本的余弦相似度为1")
}

func TestSuggestThresholdFiltersWeakMatches(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder) // 缺省阈值0.6

	candidates := []models.CvEntity{
		entityWithEmbedding(t, embedder, "skill", "Golang", "golang"),
		entityWithEmbedding(t, embedder, "skill", "Watercolor Painting", "watercolor painting techniques"),
	}

	suggestions := suggester.Suggest("golang", candidates, nil)
	require.Len(t, suggestions, 1, "不相关候选应被阈值滤掉")
	assert.Equal(t, "Golang", suggestions[0].Label)
}

func TestSuggestExcludesAppliedValues(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder, WithThreshold(0.1))

	candidates := []models.CvEntity{
		entityWithEmbedding(t, embedder, "skill", "Golang", "golang"),
	}

	suggestions := suggester.Suggest("golang", candidates, []string{"GOLANG"})
	assert.Empty(t, suggestions, "已应用的过滤值按大小写不敏感排除")
}

func TestSuggestDeduplicatesByTypeAndLabel(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder, WithThreshold(0.1))

	// 同一标签在不同版本里出现多次，向量接近但不相同
	candidates := []models.CvEntity{
		entityWithEmbedding(t, embedder, "skill", "golang", "golang backend"),
		entityWithEmbedding(t, embedder, "skill", "Golang", "golang"),
	}

	suggestions := suggester.Suggest("golang", candidates, nil)
	require.Len(t, suggestions, 1, "同(类型,小写标签)只保留一条")
	assert.InDelta(t, 1.0, suggestions[0].Score, 1e-9, "保留组内最高分")
}

func TestSuggestTopFiveLimit(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder, WithThreshold(0.1))

	texts := []string{
		"golang one", "golang two", "golang three", "golang four",
		"golang five", "golang six", "golang seven",
	}
	candidates := make([]models.CvEntity, 0, len(texts))
	for _, text := range texts {
		candidates = append(candidates, entityWithEmbedding(t, embedder, "skill", text, text))
	}

	suggestions := suggester.Suggest("golang", candidates, nil)
	assert.Len(t, suggestions, 5)
	for i := 1; i < len(suggestions); i++ {
		assert.GreaterOrEqual(t, suggestions[i-1].Score, suggestions[i].Score, "按分数降序")
	}
}

func TestSuggestSkipsCandidatesWithoutEmbedding(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder, WithThreshold(0.1))

	candidates := []models.CvEntity{
		{EntityType: "skill", Label: "No Vector"},
		{EntityType: "skill", Label: "Bad Vector", Embedding: []byte("not-json")},
		entityWithEmbedding(t, embedder, "skill", "Golang", "golang"),
	}

	suggestions := suggester.Suggest("golang", candidates, nil)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "Golang", suggestions[0].Label)
}

func TestSuggestEmptyQueryReturnsNothing(t *testing.T) {
	embedder := embedding.NewFeatureEmbedder(0)
	suggester := NewSuggester(embedder)

	candidates := []models.CvEntity{
		entityWithEmbedding(t, embedder, "skill", "Golang", "golang"),
	}

	assert.Empty(t, suggester.Suggest("   ", candidates, nil))
	assert.Empty(t, suggester.Suggest("golang", nil, nil))
}
