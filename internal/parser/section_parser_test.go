package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-pipeline-go/internal/embedding"
	"cv-pipeline-go/internal/types"
)

func newTestParser() *SectionParser {
	return NewSectionParser(embedding.NewFeatureEmbedder(0))
}

func TestExtractEntitiesSections(t *testing.T) {
	p := newTestParser()
	rawText := "Experience\nSenior Engineer at Acme - 2018-2022\nSkills\nGo, Rust, Kubernetes"

	entities := p.ExtractEntities(rawText, "v1")
	require.Len(t, entities, 4, "应抽取1条经历和3条技能")

	exp := entities[0]
	assert.Equal(t, types.EntityExperience, exp.Type)
	assert.Equal(t, "Senior Engineer", exp.Label, "职位应为分隔符前的部分")
	assert.Equal(t, 0.8, exp.Confidence)
	assert.Equal(t, "Acme - 2018-2022", exp.Metadata["employer"], "剩余部分应拼接为employer")
	assert.Equal(t, "Senior Engineer at Acme - 2018-2022", exp.Metadata["rawText"])
	assert.Equal(t, "v1", exp.Metadata["parserVersion"])
	assert.NotEmpty(t, exp.Embedding, "实体应带嵌入向量")

	labels := []string{entities[1].Label, entities[2].Label, entities[3].Label}
	assert.Equal(t, []string{"Go", "Rust", "Kubernetes"}, labels, "技能应按逗号切分")
	for _, skill := range entities[1:] {
		assert.Equal(t, types.EntitySkill, skill.Type)
		assert.Equal(t, 0.75, skill.Confidence)
	}
}

func TestExtractEntitiesDefaultSummary(t *testing.T) {
	p := newTestParser()

	// 首个章节标题之前的内容归入summary
	entities := p.ExtractEntities("Seasoned backend developer.\nTen years of Go.", "v1")
	require.Len(t, entities, 1)
	assert.Equal(t, types.EntitySummary, entities[0].Type)
	assert.Equal(t, "Summary", entities[0].Label)
	assert.Equal(t, 0.6, entities[0].Confidence)
	assert.Equal(t, "Seasoned backend developer. \n Ten years of Go.", entities[0].Metadata["rawText"], "summary各行以换行连接")
}

func TestExtractEntitiesEducationSplit(t *testing.T) {
	p := newTestParser()

	entities := p.ExtractEntities("Education\nMIT - BSc Computer Science", "v1")
	require.Len(t, entities, 1)
	edu := entities[0]
	assert.Equal(t, types.EntityEducation, edu.Type)
	assert.Equal(t, "MIT", edu.Label)
	assert.Equal(t, 0.85, edu.Confidence, "命中分隔符的行置信度更高")
	assert.Equal(t, "BSc Computer Science", edu.Metadata["details"])
}

func TestExtractEntitiesSectionHeaderVariants(t *testing.T) {
	p := newTestParser()

	// 标题忽略大小写和尾部冒号
	entities := p.ExtractEntities("TECHNICAL SKILLS:\nPython", "v1")
	require.Len(t, entities, 1)
	assert.Equal(t, types.EntitySkill, entities[0].Type)
	assert.Equal(t, "Python", entities[0].Label)
}

func TestExtractEntitiesBulletNormalization(t *testing.T) {
	p := newTestParser()

	entities := p.ExtractEntities("Languages\nEnglish, French; German", "v1")
	require.Len(t, entities, 3)
	labels := []string{entities[0].Label, entities[1].Label, entities[2].Label}
	assert.Equal(t, []string{"English", "French", "German"}, labels, "逗号与分号都是语言分隔符")
	for _, lang := range entities {
		assert.Equal(t, types.EntityLanguage, lang.Type)
		assert.Equal(t, 0.7, lang.Confidence)
	}

	// 行内项目符号先被折叠成空格，之后才按分隔符切分
	collapsed := p.ExtractEntities("Languages\nEnglish • French; German", "v1")
	require.Len(t, collapsed, 2)
	assert.Equal(t, "English French", collapsed[0].Label)
	assert.Equal(t, "German", collapsed[1].Label)
}

func TestExtractEntitiesNeverErrors(t *testing.T) {
	p := newTestParser()

	assert.Empty(t, p.ExtractEntities("", "v1"), "空输入产出空结果")
	assert.Empty(t, p.ExtractEntities("\n\n  \n", "v1"), "纯空白输入产出空结果")

	// 只有标题没有内容
	assert.Empty(t, p.ExtractEntities("Experience\nSkills\nEducation", "v1"))
}

func TestDeduplicateEntitiesKeepsHighestConfidence(t *testing.T) {
	entities := []types.ExtractedEntity{
		{Type: types.EntitySkill, Label: "Go", Confidence: 0.75},
		{Type: types.EntitySkill, Label: "Rust", Confidence: 0.75},
		{Type: types.EntitySkill, Label: "go", Confidence: 0.9},
		{Type: types.EntityLanguage, Label: "Go", Confidence: 0.7},
	}

	result := DeduplicateEntities(entities)
	require.Len(t, result, 3, "同类型下标签忽略大小写去重")

	assert.Equal(t, "go", result[0].Label, "保留置信度更高的一条")
	assert.Equal(t, 0.9, result[0].Confidence)
	assert.Equal(t, "Rust", result[1].Label, "输出顺序保持首次出现顺序")
	assert.Equal(t, types.EntityLanguage, result[2].Type, "不同类型的同名标签互不影响")
}

func TestExtractEntitiesDeduplicates(t *testing.T) {
	p := newTestParser()

	entities := p.ExtractEntities("Skills\nGo, go, GO", "v1")
	require.Len(t, entities, 1, "重复技能应被合并")
	assert.Equal(t, "Go", entities[0].Label, "保留首次出现的写法")
}
