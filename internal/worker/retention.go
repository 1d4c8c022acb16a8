package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/constants"
	"cv-pipeline-go/internal/logger"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

// RetentionWorker 数据留存worker。
// 按记录年龄收敛到active/flagged/purged三态之一，重复执行不产生新写入。
// 法律保留的顾问简历完全冻结，哪怕早已超过清除阈值。
type RetentionWorker struct {
	store       RetentionStore
	consent     ConsentSource
	checksums   ChecksumRegistry
	mqCfg       *config.RabbitMQConfig
	warningDays int
	purgeDays   int
	batchSize   int
	now         func() time.Time
	logger      zerolog.Logger
}

// RetentionOption 留存worker的配置选项函数
type RetentionOption func(*RetentionWorker)

// WithRetentionClock 注入时钟，测试用
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(w *RetentionWorker) {
		w.now = now
	}
}

// WithChecksumRegistry 注入校验和登记表，清除简历时一并解除文件去重占位
func WithChecksumRegistry(registry ChecksumRegistry) RetentionOption {
	return func(w *RetentionWorker) {
		w.checksums = registry
	}
}

// NewRetentionWorker 创建留存worker
func NewRetentionWorker(store RetentionStore, consent ConsentSource, mqCfg *config.RabbitMQConfig, warningDays, purgeDays int, options ...RetentionOption) *RetentionWorker {
	if warningDays <= 0 {
		warningDays = constants.DefaultRetentionWarningDays
	}
	if purgeDays <= 0 {
		purgeDays = constants.DefaultRetentionPurgeDays
	}
	w := &RetentionWorker{
		store:       store,
		consent:     consent,
		mqCfg:       mqCfg,
		warningDays: warningDays,
		purgeDays:   purgeDays,
		batchSize:   100,
		now:         time.Now,
		logger:      logger.Logger.With().Str("component", "retention_worker").Logger(),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run 扫一遍全部简历并返回统计
func (w *RetentionWorker) Run(ctx context.Context) (*types.RetentionSummary, error) {
	ctx, span := workerTracer.Start(ctx, "RetentionWorker.Run")
	defer span.End()

	summary := &types.RetentionSummary{}

	err := w.store.ForEachCV(ctx, w.batchSize, func(cv *models.CV) error {
		summary.Processed++

		hold, err := w.consent.IsLegalHold(ctx, cv.ConsultantID)
		if err != nil {
			w.logger.Error().Err(err).Str("cv_id", cv.CVID).Msg("查询法律保留状态失败")
			summary.Errors++
			return nil
		}
		if hold {
			summary.SkippedLegalHold++
			return nil
		}

		// 记录年龄按最后一次业务写入计算
		lastUpdated := cv.UpdatedAt
		if lastUpdated.IsZero() {
			lastUpdated = cv.CreatedAt
		}
		age := w.now().Sub(lastUpdated)

		switch {
		case age >= w.days(w.purgeDays):
			w.purge(ctx, cv, lastUpdated, summary)
		case age >= w.days(w.warningDays):
			w.flag(ctx, cv, lastUpdated, summary)
		default:
			w.restore(ctx, cv, summary)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	span.SetAttributes(
		attribute.Int("retention.processed", summary.Processed),
		attribute.Int("retention.flagged", summary.Flagged),
		attribute.Int("retention.purged", summary.Purged),
	)
	w.logger.Info().
		Int("processed", summary.Processed).
		Int("flagged", summary.Flagged).
		Int("purged", summary.Purged).
		Int("restored", summary.Restored).
		Int("skipped_legal_hold", summary.SkippedLegalHold).
		Int("errors", summary.Errors).
		Msg("留存清理批次完成")
	return summary, nil
}

func (w *RetentionWorker) days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// purge 把超过清除阈值的简历转入purged。
// 首次触发时补齐purge_scheduled_for和purged_at，已有时间戳保持不变。
func (w *RetentionWorker) purge(ctx context.Context, cv *models.CV, lastUpdated time.Time, summary *types.RetentionSummary) {
	scheduledFor := cv.RetentionPurgeScheduledFor
	if scheduledFor == nil {
		t := lastUpdated.Add(w.days(w.purgeDays))
		scheduledFor = &t
	}
	purgedAt := cv.RetentionPurgedAt
	if purgedAt == nil {
		t := w.now()
		purgedAt = &t
	}

	rows, err := w.store.UpdateRetentionColumns(ctx, cv.CVID, map[string]interface{}{
		"retention_status":              string(types.RetentionPurged),
		"retention_reason":              constants.RetentionPolicyReason,
		"retention_purge_scheduled_for": scheduledFor,
		"retention_purged_at":           purgedAt,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("cv_id", cv.CVID).Msg("写入清除状态失败")
		summary.Errors++
		return
	}

	transitioned := cv.RetentionStatus != string(types.RetentionPurged)
	if rows > 0 || transitioned {
		summary.Purged++
	}
	if transitioned {
		w.releaseChecksums(ctx, cv)
		w.recordEvent(ctx, cv, string(types.RetentionPurged), map[string]interface{}{
			"purged_at": purgedAt,
		})
	}
}

// flag 把超过告警阈值的简历标记为flagged并排定清除时间。
// 已处于目标状态且时间表一致时不产生写入。
func (w *RetentionWorker) flag(ctx context.Context, cv *models.CV, lastUpdated time.Time, summary *types.RetentionSummary) {
	schedule := lastUpdated.Add(w.days(w.purgeDays))

	upToDate := cv.RetentionStatus == string(types.RetentionFlagged) &&
		cv.RetentionFlaggedAt != nil &&
		cv.RetentionWarningSentAt != nil &&
		cv.RetentionPurgeScheduledFor != nil &&
		cv.RetentionPurgeScheduledFor.Equal(schedule)
	if upToDate {
		return
	}

	flaggedAt := cv.RetentionFlaggedAt
	if flaggedAt == nil {
		t := w.now()
		flaggedAt = &t
	}
	warningSentAt := cv.RetentionWarningSentAt
	if warningSentAt == nil {
		t := w.now()
		warningSentAt = &t
	}

	rows, err := w.store.UpdateRetentionColumns(ctx, cv.CVID, map[string]interface{}{
		"retention_status":              string(types.RetentionFlagged),
		"retention_reason":              constants.RetentionPolicyReason,
		"retention_flagged_at":          flaggedAt,
		"retention_warning_sent_at":     warningSentAt,
		"retention_purge_scheduled_for": schedule,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("cv_id", cv.CVID).Msg("写入标记状态失败")
		summary.Errors++
		return
	}
	if rows > 0 {
		summary.Flagged++
		if cv.RetentionStatus != string(types.RetentionFlagged) {
			w.recordEvent(ctx, cv, string(types.RetentionFlagged), map[string]interface{}{
				"purge_scheduled_for": schedule,
			})
		}
	}
}

// restore 活跃期内的简历若带有历史留存标记则恢复为active
func (w *RetentionWorker) restore(ctx context.Context, cv *models.CV, summary *types.RetentionSummary) {
	if cv.RetentionStatus == string(types.RetentionActive) || cv.RetentionStatus == "" {
		return
	}

	rows, err := w.store.UpdateRetentionColumns(ctx, cv.CVID, map[string]interface{}{
		"retention_status":              string(types.RetentionActive),
		"retention_reason":              "",
		"retention_flagged_at":          nil,
		"retention_purge_scheduled_for": nil,
		"retention_purged_at":           nil,
		"retention_warning_sent_at":     nil,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("cv_id", cv.CVID).Msg("恢复活跃状态失败")
		summary.Errors++
		return
	}
	if rows > 0 {
		summary.Restored++
		w.recordEvent(ctx, cv, string(types.RetentionActive), nil)
	}
}

// releaseChecksums 清除简历时解除其所有版本文件的去重占位
func (w *RetentionWorker) releaseChecksums(ctx context.Context, cv *models.CV) {
	if w.checksums == nil {
		return
	}
	versions, err := w.store.ListVersionsByCV(ctx, cv.CVID)
	if err != nil {
		w.logger.Warn().Err(err).Str("cv_id", cv.CVID).Msg("查询版本列表失败，跳过校验和清理")
		return
	}
	for _, version := range versions {
		if version.Checksum == "" {
			continue
		}
		if err := w.checksums.RemoveFileChecksum(ctx, version.Checksum); err != nil {
			w.logger.Warn().Err(err).Str("version_id", version.VersionID).Msg("解除校验和占位失败")
		}
	}
}

// recordEvent 写入留存状态变化事件到发件箱
func (w *RetentionWorker) recordEvent(ctx context.Context, cv *models.CV, newStatus string, data map[string]interface{}) {
	if w.mqCfg == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["old_status"] = cv.RetentionStatus
	data["new_status"] = newStatus

	eventType := "cv.retention." + newStatus
	if newStatus == string(types.RetentionActive) {
		eventType = "cv.retention.restored"
	}

	event, err := newOutboxEvent(eventType, cv.CVID, "",
		w.mqCfg.PipelineEventsExchange, w.mqCfg.RetentionChangedRoutingKey, w.now(), data)
	if err != nil {
		w.logger.Warn().Err(err).Str("cv_id", cv.CVID).Msg("构建留存事件失败")
		return
	}
	if err := w.store.RecordOutboxEvent(ctx, event); err != nil {
		w.logger.Warn().Err(err).Str("cv_id", cv.CVID).Msg("写入留存事件失败")
	}
}
