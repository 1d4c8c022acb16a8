package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

var workerTracer = otel.Tracer("cv-pipeline-go/worker")

// ScanStore 病毒扫描worker需要的存储操作
type ScanStore interface {
	ListScanCandidates(ctx context.Context, batchSize int, includeErrors bool) ([]models.CvVersion, error)
	ClaimScanQueued(ctx context.Context, versionID string, from []string, queuedAt time.Time) (bool, error)
	TryClaimScanStatus(ctx context.Context, versionID string, from []string, to string) (bool, error)
	FinalizeScan(ctx context.Context, versionID string, status string, message string, scannedAt time.Time) error
	MirrorVersionStatus(ctx context.Context, cvID string, versionID string, apply func(entry *types.VersionSummaryEntry)) error
	RecordOutboxEvent(ctx context.Context, message *models.OutboxMessage) error
}

// ParseStore 简历解析worker需要的存储操作
type ParseStore interface {
	ListParseCandidates(ctx context.Context, batchSize int, statuses []string) ([]models.CvVersion, error)
	TryClaimParseStatus(ctx context.Context, versionID string, from []string, to string) (bool, error)
	FailParse(ctx context.Context, versionID string, parseError string) error
	PersistParseResult(ctx context.Context, cvID string, versionID string, entities []models.CvEntity, parserVersion string, parsedAt time.Time, event *models.OutboxMessage) error
	MirrorVersionStatus(ctx context.Context, cvID string, versionID string, apply func(entry *types.VersionSummaryEntry)) error
}

// RetentionStore 留存worker需要的存储操作
type RetentionStore interface {
	ForEachCV(ctx context.Context, batchSize int, fn func(cv *models.CV) error) error
	UpdateRetentionColumns(ctx context.Context, cvID string, columns map[string]interface{}) (int64, error)
	ListVersionsByCV(ctx context.Context, cvID string) ([]models.CvVersion, error)
	RecordOutboxEvent(ctx context.Context, message *models.OutboxMessage) error
}

// BlobFetcher 按对象键读取简历文件内容
type BlobFetcher interface {
	FetchObject(ctx context.Context, objectKey string) ([]byte, error)
}

// ConsentSource 查询顾问的法律保留状态
type ConsentSource interface {
	IsLegalHold(ctx context.Context, consultantID string) (bool, error)
}

// ChecksumRegistry 文件校验和登记表，简历清除后解除对应文件的去重占位
type ChecksumRegistry interface {
	RemoveFileChecksum(ctx context.Context, checksum string) error
}

// ChecksumRecorder 向文件校验和登记表补登条目，返回之前是否已存在
type ChecksumRecorder interface {
	CheckAndAddFileChecksum(ctx context.Context, checksum string) (bool, error)
}
