package embedding

import (
	"math"
	"strings"

	"cv-pipeline-go/internal/constants"
)

// FeatureEmbedder 基于特征哈希的确定性文本向量化器。
// 同一段文本在任何进程、任何时刻都会产出逐位一致的向量，
// 因此落库的向量可以直接参与重打分而无需重新解析。
type FeatureEmbedder struct {
	dimensions int
}

// NewFeatureEmbedder 创建特征向量化器，dimensions<=0时使用默认维度
func NewFeatureEmbedder(dimensions int) *FeatureEmbedder {
	if dimensions <= 0 {
		dimensions = constants.EmbeddingDimensions
	}
	return &FeatureEmbedder{dimensions: dimensions}
}

// Dimensions 返回向量维度
func (e *FeatureEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed 将文本映射为固定维度的L2归一化向量。
// 分词规则：转小写后按非[a-z0-9+]字符切分，丢弃长度<=1的token；
// 每个token经32位滚动哈希(hash*31+ch)落入 hash mod D 的桶。
// 没有任何有效token时返回全零向量。
func (e *FeatureEmbedder) Embed(text string) []float64 {
	vector := make([]float64, e.dimensions)

	for _, token := range tokenize(text) {
		index := int(hashToken(token) % uint32(e.dimensions))
		vector[index]++
	}

	var sumSquares float64
	for _, v := range vector {
		sumSquares += v * v
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return vector
	}

	// 除以模长后保留6位小数，落库更紧凑
	for i, v := range vector {
		vector[i] = math.Round(v/magnitude*1e6) / 1e6
	}
	return vector
}

// tokenize 按非[a-z0-9+]字符切分小写文本，丢弃长度<=1的token
func tokenize(text string) []string {
	return filterShort(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+')
	}))
}

func filterShort(tokens []string) []string {
	out := tokens[:0]
	for _, token := range tokens {
		if len(token) > 1 {
			out = append(out, token)
		}
	}
	return out
}

// hashToken 32位滚动哈希，必须与历史数据保持逐位一致，不能更换算法
func hashToken(token string) uint32 {
	var hash uint32
	for i := 0; i < len(token); i++ {
		hash = hash*31 + uint32(token[i])
	}
	return hash
}

// CosineSimilarity 计算两个向量的余弦相似度。
// 向量为空、长度不一致或任一模长为零时返回0，永不panic、永不返回NaN。
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
