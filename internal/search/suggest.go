package search

import (
	"encoding/json"
	"sort"
	"strings"

	"cv-pipeline-go/internal/constants"
	"cv-pipeline-go/internal/embedding"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

// Suggester 语义建议打分器。
// 对查询文本算一次嵌入向量，再与候选实体的存量向量逐个算余弦相似度，
// 按(类型,小写标签)分组取最高分，降序返回前N条。
// 纯计算，不访问存储，候选集由调用方提供。
type Suggester struct {
	embedder  *embedding.FeatureEmbedder
	threshold float64
	limit     int
}

// SuggestOption 打分器的配置选项函数
type SuggestOption func(*Suggester)

// WithThreshold 覆盖相似度阈值
func WithThreshold(threshold float64) SuggestOption {
	return func(s *Suggester) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

// WithLimit 覆盖返回条数上限
func WithLimit(limit int) SuggestOption {
	return func(s *Suggester) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// NewSuggester 创建语义建议打分器，阈值缺省0.6，返回条数缺省5
func NewSuggester(embedder *embedding.FeatureEmbedder, options ...SuggestOption) *Suggester {
	if embedder == nil {
		embedder = embedding.NewFeatureEmbedder(0)
	}
	s := &Suggester{
		embedder:  embedder,
		threshold: constants.DefaultSimilarityThreshold,
		limit:     constants.DefaultSuggestionLimit,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Suggest 对候选实体按语义相似度打分并返回建议词。
// appliedValues是调用方已经应用的过滤值，命中的候选按小写比较直接排除。
// 没有向量或向量非法的候选跳过，空查询返回空结果。
func (s *Suggester) Suggest(query string, candidates []models.CvEntity, appliedValues []string) []types.Suggestion {
	query = strings.TrimSpace(query)
	if query == "" || len(candidates) == 0 {
		return nil
	}

	queryVector := s.embedder.Embed(query)

	applied := make(map[string]struct{}, len(appliedValues))
	for _, value := range appliedValues {
		applied[strings.ToLower(strings.TrimSpace(value))] = struct{}{}
	}

	// (类型,小写标签) -> 组内最高分
	best := make(map[string]types.Suggestion)
	for i := range candidates {
		candidate := &candidates[i]
		label := strings.TrimSpace(candidate.Label)
		if label == "" {
			continue
		}
		lowered := strings.ToLower(label)
		if _, ok := applied[lowered]; ok {
			continue
		}

		vector := decodeEmbedding(candidate.Embedding)
		if len(vector) == 0 {
			continue
		}

		score := embedding.CosineSimilarity(queryVector, vector)
		if score < s.threshold {
			continue
		}

		key := candidate.EntityType + ":" + lowered
		if existing, ok := best[key]; ok && existing.Score >= score {
			continue
		}
		best[key] = types.Suggestion{
			EntityType: types.EntityType(candidate.EntityType),
			Label:      label,
			Score:      score,
		}
	}

	suggestions := make([]types.Suggestion, 0, len(best))
	for _, suggestion := range best {
		suggestions = append(suggestions, suggestion)
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].Label < suggestions[j].Label
	})
	if len(suggestions) > s.limit {
		suggestions = suggestions[:s.limit]
	}
	return suggestions
}

// decodeEmbedding 解码存储层的JSON向量，解不出来按无向量处理
func decodeEmbedding(raw []byte) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var vector []float64
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil
	}
	return vector
}
