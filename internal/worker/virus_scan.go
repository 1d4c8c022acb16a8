package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/logger"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

// VirusScanWorker 病毒扫描worker。
// 多实例并发安全：每一步状态转移都是条件更新，认领失败即让位。
type VirusScanWorker struct {
	store        ScanStore
	scanner      VirusScanner
	mqCfg        *config.RabbitMQConfig
	batchSize    int
	rescanErrors bool
	now          func() time.Time
	logger       zerolog.Logger
}

// VirusScanOption 扫描worker的配置选项函数
type VirusScanOption func(*VirusScanWorker)

// WithRescanErrors 把扫描失败的版本重新纳入扫描范围。
// error是终态，只有显式要求时才重扫。
func WithRescanErrors(rescan bool) VirusScanOption {
	return func(w *VirusScanWorker) {
		w.rescanErrors = rescan
	}
}

// WithScanClock 注入时钟，测试用
func WithScanClock(now func() time.Time) VirusScanOption {
	return func(w *VirusScanWorker) {
		w.now = now
	}
}

// NewVirusScanWorker 创建病毒扫描worker
func NewVirusScanWorker(store ScanStore, scanner VirusScanner, mqCfg *config.RabbitMQConfig, batchSize int, options ...VirusScanOption) *VirusScanWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	w := &VirusScanWorker{
		store:     store,
		scanner:   scanner,
		mqCfg:     mqCfg,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.Logger.With().Str("component", "virus_scan_worker").Logger(),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run 执行一轮扫描批次并返回统计
func (w *VirusScanWorker) Run(ctx context.Context) (*types.VirusScanSummary, error) {
	ctx, span := workerTracer.Start(ctx, "VirusScanWorker.Run")
	defer span.End()

	summary := &types.VirusScanSummary{}

	candidates, err := w.store.ListScanCandidates(ctx, w.batchSize, w.rescanErrors)
	if err != nil {
		return summary, err
	}
	summary.Processed = len(candidates)

	claimFrom := []string{string(types.ScanPending)}
	if w.rescanErrors {
		claimFrom = append(claimFrom, string(types.ScanError))
	}

	for i := range candidates {
		version := &candidates[i]

		queued, err := w.store.ClaimScanQueued(ctx, version.VersionID, claimFrom, w.now())
		if err != nil {
			w.logger.Error().Err(err).Str("version_id", version.VersionID).Msg("排队认领失败")
			summary.Errors++
			continue
		}
		// 排队认领失败说明别的实例已抢走这条，让位
		if !queued {
			continue
		}
		summary.Queued++
		w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
			entry.VirusScanStatus = types.ScanQueued
		})

		scanning, err := w.store.TryClaimScanStatus(ctx, version.VersionID,
			[]string{string(types.ScanQueued)}, string(types.ScanScanning))
		if err != nil {
			w.logger.Error().Err(err).Str("version_id", version.VersionID).Msg("扫描认领失败")
			summary.Errors++
			continue
		}
		if !scanning {
			continue
		}
		w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
			entry.VirusScanStatus = types.ScanScanning
		})

		result, err := w.scanner.Scan(ctx, version.ObjectKey)
		scannedAt := w.now()
		if err != nil {
			w.logger.Error().Err(err).Str("version_id", version.VersionID).Msg("扫描引擎执行失败")
			if ferr := w.store.FinalizeScan(ctx, version.VersionID, string(types.ScanError), err.Error(), scannedAt); ferr != nil {
				w.logger.Error().Err(ferr).Str("version_id", version.VersionID).Msg("写入扫描失败状态失败")
			}
			w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
				entry.VirusScanStatus = types.ScanError
				entry.VirusScannedAt = &scannedAt
			})
			summary.Errors++
			continue
		}

		if err := w.store.FinalizeScan(ctx, version.VersionID, string(result.Status), result.Message, scannedAt); err != nil {
			w.logger.Error().Err(err).Str("version_id", version.VersionID).Msg("写入扫描结果失败")
			summary.Errors++
			continue
		}
		w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
			entry.VirusScanStatus = result.Status
			entry.VirusScannedAt = &scannedAt
		})

		summary.Scanned++
		switch result.Status {
		case types.ScanClean:
			summary.Clean++
		case types.ScanInfected:
			summary.Infected++
		}

		w.recordEvent(ctx, version, result, scannedAt)
	}

	span.SetAttributes(
		attribute.Int("scan.processed", summary.Processed),
		attribute.Int("scan.scanned", summary.Scanned),
		attribute.Int("scan.errors", summary.Errors),
	)
	w.logger.Info().
		Int("processed", summary.Processed).
		Int("queued", summary.Queued).
		Int("scanned", summary.Scanned).
		Int("clean", summary.Clean).
		Int("infected", summary.Infected).
		Int("errors", summary.Errors).
		Msg("病毒扫描批次完成")
	return summary, nil
}

// mirror 更新CV主记录上的版本状态镜像。
// 镜像是展示用冗余，失败只记告警，不影响版本表上的真实状态。
func (w *VirusScanWorker) mirror(ctx context.Context, version *models.CvVersion, apply func(entry *types.VersionSummaryEntry)) {
	if err := w.store.MirrorVersionStatus(ctx, version.CVID, version.VersionID, apply); err != nil {
		w.logger.Warn().Err(err).
			Str("cv_id", version.CVID).
			Str("version_id", version.VersionID).
			Msg("更新版本状态镜像失败")
	}
}

// recordEvent 写入扫描完成事件到发件箱
func (w *VirusScanWorker) recordEvent(ctx context.Context, version *models.CvVersion, result types.ScanResult, scannedAt time.Time) {
	if w.mqCfg == nil {
		return
	}
	event, err := newOutboxEvent("cv.version.scanned", version.CVID, version.VersionID,
		w.mqCfg.PipelineEventsExchange, w.mqCfg.VersionScannedRoutingKey, scannedAt,
		map[string]interface{}{
			"status":  string(result.Status),
			"message": result.Message,
		})
	if err != nil {
		w.logger.Warn().Err(err).Str("version_id", version.VersionID).Msg("构建扫描事件失败")
		return
	}
	if err := w.store.RecordOutboxEvent(ctx, event); err != nil {
		w.logger.Warn().Err(err).Str("version_id", version.VersionID).Msg("写入扫描事件失败")
	}
}
