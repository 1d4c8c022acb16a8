package types

import "time"

// EntityType 表示从简历中抽取出的结构化实体类型
type EntityType string

const (
	// EntityEducation 教育经历实体
	EntityEducation EntityType = "education"
	// EntityExperience 工作经历实体
	EntityExperience EntityType = "experience"
	// EntitySkill 技能实体
	EntitySkill EntityType = "skill"
	// EntityLanguage 语言能力实体
	EntityLanguage EntityType = "language"
	// EntityCertification 证书实体
	EntityCertification EntityType = "certification"
	// EntitySummary 个人概述实体
	EntitySummary EntityType = "summary"
)

// EntityTypes 所有支持的实体类型，顺序与解析器的输出顺序一致
var EntityTypes = []EntityType{
	EntitySummary,
	EntityEducation,
	EntityExperience,
	EntitySkill,
	EntityLanguage,
	EntityCertification,
}

// EntitySource 实体的来源
type EntitySource string

const (
	// SourceParser 自动解析产生的实体
	SourceParser EntitySource = "parser"
	// SourceManual 人工录入的实体，自动解析不会改动它们
	SourceManual EntitySource = "manual"
)

// VirusScanStatus 病毒扫描状态机的状态
type VirusScanStatus string

const (
	ScanPending  VirusScanStatus = "pending"
	ScanQueued   VirusScanStatus = "queued"
	ScanScanning VirusScanStatus = "scanning"
	ScanClean    VirusScanStatus = "clean"
	ScanInfected VirusScanStatus = "infected"
	ScanError    VirusScanStatus = "error"
)

// ParseStatus 简历解析状态机的状态
type ParseStatus string

const (
	ParsePending    ParseStatus = "pending"
	ParseProcessing ParseStatus = "processing"
	ParseParsed     ParseStatus = "parsed"
	ParseError      ParseStatus = "error"
)

// RetentionStatus 简历留存策略的状态
type RetentionStatus string

const (
	RetentionActive  RetentionStatus = "active"
	RetentionFlagged RetentionStatus = "flagged"
	RetentionPurged  RetentionStatus = "purged"
)

// ExtractedEntity 解析器产出的、尚未落库的实体
type ExtractedEntity struct {
	Type       EntityType             // 实体类型
	Label      string                 // 实体标签（自由文本）
	Confidence float64                // 置信度 0.0-1.0
	Metadata   map[string]interface{} // 开放的元数据，至少包含 rawText 和 parserVersion
	Embedding  []float64              // 标签文本的特征向量，可能为空
}

// ScanResult 病毒扫描引擎的返回结果
type ScanResult struct {
	Status  VirusScanStatus // 只允许 clean / infected / error
	Message string          // 结果说明
}

// VirusScanSummary 病毒扫描任务的批次统计
type VirusScanSummary struct {
	Processed int `json:"processed"`
	Queued    int `json:"queued"`
	Scanned   int `json:"scanned"`
	Clean     int `json:"clean"`
	Infected  int `json:"infected"`
	Errors    int `json:"errors"`
}

// ParseSummary 简历解析任务的批次统计
type ParseSummary struct {
	Processed int `json:"processed"`
	Parsed    int `json:"parsed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RetentionSummary 留存清理任务的批次统计
type RetentionSummary struct {
	Processed        int `json:"processed"`
	Flagged          int `json:"flagged"`
	Purged           int `json:"purged"`
	Restored         int `json:"restored"`
	SkippedLegalHold int `json:"skipped_legal_hold"`
	Errors           int `json:"errors"`
}

// VersionSummaryEntry 冗余在CV主记录上的版本状态摘要
// UI读取CV详情时无需再关联版本表
type VersionSummaryEntry struct {
	VersionID       string          `json:"version_id"`
	VirusScanStatus VirusScanStatus `json:"virus_scan_status"`
	VirusScannedAt  *time.Time      `json:"virus_scanned_at,omitempty"`
	ParseStatus     ParseStatus     `json:"parse_status"`
	ParsedAt        *time.Time      `json:"parsed_at,omitempty"`
}

// Suggestion 语义搜索建议项
type Suggestion struct {
	EntityType EntityType `json:"entity_type"`
	Label      string     `json:"label"`
	Score      float64    `json:"score"`
}
