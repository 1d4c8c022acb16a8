package constants

import "time"

const (
	// DefaultParserVersion 当前启发式解析器的版本标签，写入每个解析实体的元数据
	DefaultParserVersion = "v1"

	// EmbeddingDimensions 特征向量的固定维度
	EmbeddingDimensions = 256

	// DefaultScanBatchSize 病毒扫描单批默认处理的版本数
	DefaultScanBatchSize = 10
	// DefaultParseBatchSize 解析任务单批默认处理的版本数
	DefaultParseBatchSize = 10
	// MaxParseBatchSize 解析任务单批处理数量的上限
	MaxParseBatchSize = 50

	// DefaultRetentionWarningDays 留存告警阈值（天）
	DefaultRetentionWarningDays = 548
	// DefaultRetentionPurgeDays 留存清除阈值（天）
	DefaultRetentionPurgeDays = 730
	// RetentionPolicyReason 留存状态变更的统一原因标记
	RetentionPolicyReason = "retention_policy"

	// DefaultSimilarityThreshold 语义建议的默认相似度阈值
	DefaultSimilarityThreshold = 0.6
	// DefaultSuggestionLimit 语义建议返回的最大条数
	DefaultSuggestionLimit = 5

	// LegalHoldCacheTTL 法律保留标记在Redis中的缓存时长
	LegalHoldCacheTTL = 10 * time.Minute
)

// Redis Key 常量
// 统一命名规范: app:{module}:{entity}[:{unique_id}]
const (
	// KeyFileChecksumSet 文件checksum去重集合 (SET)
	// 上传入口用它快速拒绝重复文件，解析任务在成功后补登记
	// 格式: app:file:checksum_set
	KeyFileChecksumSet = "app:file:checksum_set"

	// KeyLegalHold 法律保留标记缓存 (STRING "1"/"0")
	// 格式: app:consent:legal_hold:{consultantID}
	KeyLegalHold = "app:consent:legal_hold:%s"

	// KeyJobLock 调度模式下的任务互斥锁 (STRING, SETNX)
	// 多实例部署时同一任务同一时刻只在一个实例上跑
	// 格式: app:pipeline:job_lock:{jobName}
	KeyJobLock = "app:pipeline:job_lock:%s"
)
