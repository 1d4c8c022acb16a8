package parser

import (
	"regexp"
	"strings"

	"cv-pipeline-go/internal/embedding"
	"cv-pipeline-go/internal/types"
)

// sectionDefinition 章节标题别名表的一项
type sectionDefinition struct {
	entityType types.EntityType
	aliases    []string
}

// sectionDefinitions 章节标题到实体类型的映射。
// 行内容与别名精确匹配（忽略大小写、去掉尾部冒号）才会切换章节。
var sectionDefinitions = []sectionDefinition{
	{types.EntitySummary, []string{"summary", "profile", "about", "professional summary"}},
	{types.EntityEducation, []string{"education", "academic", "studies"}},
	{types.EntityExperience, []string{"experience", "work experience", "professional experience", "employment history"}},
	{types.EntitySkill, []string{"skills", "technical skills", "competencies", "expertise"}},
	{types.EntityLanguage, []string{"languages", "spoken languages"}},
	{types.EntityCertification, []string{"certifications", "certification", "licenses"}},
}

var (
	// 空白和项目符号折叠为单个空格
	whitespaceBullets = regexp.MustCompile(`[\s\x{2022}]+`)
	// 教育经历: 机构与描述的分隔符
	educationSplit = regexp.MustCompile(`(?i)[-\x{2013}]| at `)
	// 工作经历: 职位与雇主的分隔符
	experienceSplit = regexp.MustCompile(`(?i) at | @ | - `)
	// 技能条目分隔符
	skillSplit = regexp.MustCompile(`[,\x{2022}\x{2023}\x{25E6}\x{2043}\x{2219}]`)
	// 语言条目分隔符
	languageSplit = regexp.MustCompile(`[,;\x{2022}\x{2023}\x{25E6}]`)
	// 行尾冒号
	trailingColons = regexp.MustCompile(`[:]+$`)
)

// SectionParser 启发式的简历章节解析器。
// 对格式混乱的输入从不报错：无法识别的行会归入当前章节并以较低置信度产出，
// 只有去重会丢弃内容。
type SectionParser struct {
	embedder *embedding.FeatureEmbedder
}

// NewSectionParser 创建章节解析器
func NewSectionParser(embedder *embedding.FeatureEmbedder) *SectionParser {
	if embedder == nil {
		embedder = embedding.NewFeatureEmbedder(0)
	}
	return &SectionParser{embedder: embedder}
}

// ExtractEntities 从纯文本中抽取结构化实体并按(类型,小写标签)去重。
// 当前章节指针初始为summary，遇到别名表中的标题行时切换。
func (p *SectionParser) ExtractEntities(rawText string, parserVersion string) []types.ExtractedEntity {
	sections := make(map[types.EntityType][]string, len(sectionDefinitions))

	current := types.EntitySummary
	for _, rawLine := range strings.Split(rawText, "\n") {
		line := normalizeLine(rawLine)
		if line == "" {
			continue
		}
		if detected, ok := detectSection(line); ok {
			current = detected
			continue
		}
		sections[current] = append(sections[current], line)
	}

	var entities []types.ExtractedEntity

	if summaryLines := sections[types.EntitySummary]; len(summaryLines) > 0 {
		summaryText := strings.Join(summaryLines, " \n ")
		entities = append(entities, types.ExtractedEntity{
			Type:       types.EntitySummary,
			Label:      "Summary",
			Confidence: 0.6,
			Metadata: map[string]interface{}{
				"rawText":       summaryText,
				"parserVersion": parserVersion,
			},
			Embedding: p.embedder.Embed(summaryText),
		})
	}

	for _, line := range sections[types.EntityEducation] {
		parts := splitTrimmed(educationSplit, line)
		label := line
		details := line
		confidence := 0.7
		if len(parts) > 0 {
			label = parts[0]
			confidence = 0.85
			if joined := strings.Join(parts[1:], " - "); joined != "" {
				details = joined
			}
		}
		entities = append(entities, types.ExtractedEntity{
			Type:       types.EntityEducation,
			Label:      label,
			Confidence: confidence,
			Metadata: map[string]interface{}{
				"rawText":       line,
				"details":       details,
				"parserVersion": parserVersion,
			},
			Embedding: p.embedder.Embed(line),
		})
	}

	for _, line := range sections[types.EntityExperience] {
		parts := splitTrimmed(experienceSplit, line)
		label := line
		confidence := 0.65
		metadata := map[string]interface{}{
			"rawText":       line,
			"parserVersion": parserVersion,
		}
		if len(parts) > 0 {
			label = parts[0]
			confidence = 0.8
			if employer := strings.Join(parts[1:], " - "); employer != "" {
				metadata["employer"] = employer
			}
		}
		entities = append(entities, types.ExtractedEntity{
			Type:       types.EntityExperience,
			Label:      label,
			Confidence: confidence,
			Metadata:   metadata,
			Embedding:  p.embedder.Embed(line),
		})
	}

	for _, line := range sections[types.EntitySkill] {
		items := splitTrimmed(skillSplit, line)
		for _, item := range items {
			entities = append(entities, types.ExtractedEntity{
				Type:       types.EntitySkill,
				Label:      item,
				Confidence: 0.75,
				Metadata: map[string]interface{}{
					"rawText":       line,
					"parserVersion": parserVersion,
				},
				Embedding: p.embedder.Embed(item),
			})
		}
	}

	for _, line := range sections[types.EntityLanguage] {
		items := splitTrimmed(languageSplit, line)
		if len(items) == 0 {
			entities = append(entities, types.ExtractedEntity{
				Type:       types.EntityLanguage,
				Label:      line,
				Confidence: 0.6,
				Metadata: map[string]interface{}{
					"rawText":       line,
					"parserVersion": parserVersion,
				},
				Embedding: p.embedder.Embed(line),
			})
			continue
		}
		for _, item := range items {
			entities = append(entities, types.ExtractedEntity{
				Type:       types.EntityLanguage,
				Label:      item,
				Confidence: 0.7,
				Metadata: map[string]interface{}{
					"rawText":       line,
					"parserVersion": parserVersion,
				},
				Embedding: p.embedder.Embed(item),
			})
		}
	}

	for _, line := range sections[types.EntityCertification] {
		entities = append(entities, types.ExtractedEntity{
			Type:       types.EntityCertification,
			Label:      line,
			Confidence: 0.7,
			Metadata: map[string]interface{}{
				"rawText":       line,
				"parserVersion": parserVersion,
			},
			Embedding: p.embedder.Embed(line),
		})
	}

	return DeduplicateEntities(entities)
}

// DeduplicateEntities 按(实体类型,小写标签)去重，同组保留置信度最高的一条。
// 输出顺序与每组首次出现的顺序一致。
func DeduplicateEntities(entities []types.ExtractedEntity) []types.ExtractedEntity {
	type slot struct {
		index  int
		entity types.ExtractedEntity
	}
	seen := make(map[string]*slot, len(entities))
	var order []string

	for _, entity := range entities {
		key := string(entity.Type) + ":" + strings.ToLower(entity.Label)
		existing, ok := seen[key]
		if !ok {
			seen[key] = &slot{index: len(order), entity: entity}
			order = append(order, key)
			continue
		}
		if entity.Confidence > existing.entity.Confidence {
			existing.entity = entity
		}
	}

	result := make([]types.ExtractedEntity, 0, len(order))
	for _, key := range order {
		result = append(result, seen[key].entity)
	}
	return result
}

// normalizeLine 折叠空白与项目符号并去掉首尾空格
func normalizeLine(line string) string {
	return strings.TrimSpace(whitespaceBullets.ReplaceAllString(line, " "))
}

// detectSection 判断一行是否为章节标题
func detectSection(line string) (types.EntityType, bool) {
	normalized := strings.TrimSpace(trailingColons.ReplaceAllString(strings.ToLower(line), ""))
	for _, definition := range sectionDefinitions {
		for _, alias := range definition.aliases {
			if normalized == alias {
				return definition.entityType, true
			}
		}
	}
	return "", false
}

// splitTrimmed 按正则切分后去掉空白并过滤空串
func splitTrimmed(re *regexp.Regexp, line string) []string {
	parts := re.Split(line, -1)
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
