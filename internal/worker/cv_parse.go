package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/constants"
	"cv-pipeline-go/internal/logger"
	"cv-pipeline-go/internal/parser"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

// CvParseWorker 简历解析worker。
// 候选资格只看解析状态，解析产物在单个事务中替换落库。
type CvParseWorker struct {
	store         ParseStore
	blobs         BlobFetcher
	extractor     parser.TextExtractor
	parser        *parser.SectionParser
	checksums     ChecksumRecorder
	mqCfg         *config.RabbitMQConfig
	parserVersion string
	batchSize     int
	force         bool
	now           func() time.Time
	logger        zerolog.Logger
}

// CvParseOption 解析worker的配置选项函数
type CvParseOption func(*CvParseWorker)

// WithForceReparse 把已解析成功的版本也重新纳入解析范围，
// 解析器升级后用来刷新存量数据
func WithForceReparse(force bool) CvParseOption {
	return func(w *CvParseWorker) {
		w.force = force
	}
}

// WithParseClock 注入时钟，测试用
func WithParseClock(now func() time.Time) CvParseOption {
	return func(w *CvParseWorker) {
		w.now = now
	}
}

// WithChecksumRecorder 解析成功后把版本校验和补登进去重集合，
// 防止集合条目过期后同一文件被重复上传
func WithChecksumRecorder(recorder ChecksumRecorder) CvParseOption {
	return func(w *CvParseWorker) {
		w.checksums = recorder
	}
}

// NewCvParseWorker 创建简历解析worker，batchSize限制在1到50之间
func NewCvParseWorker(store ParseStore, blobs BlobFetcher, extractor parser.TextExtractor, sectionParser *parser.SectionParser, mqCfg *config.RabbitMQConfig, parserVersion string, batchSize int, options ...CvParseOption) *CvParseWorker {
	if batchSize <= 0 {
		batchSize = constants.DefaultParseBatchSize
	}
	if batchSize > constants.MaxParseBatchSize {
		batchSize = constants.MaxParseBatchSize
	}
	if parserVersion == "" {
		parserVersion = constants.DefaultParserVersion
	}
	w := &CvParseWorker{
		store:         store,
		blobs:         blobs,
		extractor:     extractor,
		parser:        sectionParser,
		mqCfg:         mqCfg,
		parserVersion: parserVersion,
		batchSize:     batchSize,
		now:           time.Now,
		logger:        logger.Logger.With().Str("component", "cv_parse_worker").Logger(),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// claimStatuses 可认领的解析状态集合
func (w *CvParseWorker) claimStatuses() []string {
	if w.force {
		return []string{string(types.ParsePending), string(types.ParseError), string(types.ParseParsed)}
	}
	return []string{string(types.ParsePending), string(types.ParseError)}
}

// Run 执行一轮解析批次并返回统计
func (w *CvParseWorker) Run(ctx context.Context) (*types.ParseSummary, error) {
	ctx, span := workerTracer.Start(ctx, "CvParseWorker.Run")
	defer span.End()

	summary := &types.ParseSummary{}

	statuses := w.claimStatuses()
	candidates, err := w.store.ListParseCandidates(ctx, w.batchSize, statuses)
	if err != nil {
		return summary, err
	}

	for i := range candidates {
		version := &candidates[i]

		claimed, err := w.store.TryClaimParseStatus(ctx, version.VersionID, statuses, string(types.ParseProcessing))
		if err != nil {
			w.logger.Error().Err(err).Str("version_id", version.VersionID).Msg("解析认领失败")
			summary.Failed++
			continue
		}
		if !claimed {
			summary.Skipped++
			continue
		}
		// 只有认领成功的版本才计入processed，被抢走的不算
		summary.Processed++
		w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
			entry.ParseStatus = types.ParseProcessing
			entry.ParsedAt = nil
		})

		if err := w.parseVersion(ctx, version); err != nil {
			w.logger.Error().Err(err).Str("version_id", version.VersionID).Msg("解析版本失败")
			if ferr := w.store.FailParse(ctx, version.VersionID, err.Error()); ferr != nil {
				w.logger.Error().Err(ferr).Str("version_id", version.VersionID).Msg("写入解析失败状态失败")
			}
			w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
				entry.ParseStatus = types.ParseError
				entry.ParsedAt = nil
			})
			summary.Failed++
			continue
		}
		summary.Parsed++
	}

	span.SetAttributes(
		attribute.Int("parse.processed", summary.Processed),
		attribute.Int("parse.parsed", summary.Parsed),
		attribute.Int("parse.failed", summary.Failed),
	)
	w.logger.Info().
		Int("processed", summary.Processed).
		Int("parsed", summary.Parsed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("简历解析批次完成")
	return summary, nil
}

// parseVersion 下载、提取、解析并落库单个版本
func (w *CvParseWorker) parseVersion(ctx context.Context, version *models.CvVersion) error {
	data, err := w.blobs.FetchObject(ctx, version.ObjectKey)
	if err != nil {
		return err
	}

	rawText, err := w.extractor.ExtractText(ctx, version.ContentType, data)
	if err != nil {
		return err
	}

	extracted := w.parser.ExtractEntities(rawText, w.parserVersion)
	entities, err := w.toModels(version, extracted)
	if err != nil {
		return err
	}

	parsedAt := w.now()
	var event *models.OutboxMessage
	if w.mqCfg != nil {
		event, err = newOutboxEvent("cv.version.parsed", version.CVID, version.VersionID,
			w.mqCfg.PipelineEventsExchange, w.mqCfg.VersionParsedRoutingKey, parsedAt,
			map[string]interface{}{
				"entity_count":   len(entities),
				"parser_version": w.parserVersion,
			})
		if err != nil {
			return err
		}
	}

	if err := w.store.PersistParseResult(ctx, version.CVID, version.VersionID, entities, w.parserVersion, parsedAt, event); err != nil {
		return err
	}

	// 补登去重集合，登记失败不影响解析结果
	if w.checksums != nil && version.Checksum != "" {
		if _, err := w.checksums.CheckAndAddFileChecksum(ctx, version.Checksum); err != nil {
			w.logger.Warn().Err(err).Str("version_id", version.VersionID).Msg("登记文件校验和失败")
		}
	}

	w.mirror(ctx, version, func(entry *types.VersionSummaryEntry) {
		entry.ParseStatus = types.ParseParsed
		entry.ParsedAt = &parsedAt
	})

	w.logger.Debug().
		Str("version_id", version.VersionID).
		Int("entities", len(entities)).
		Int("text_length", len(rawText)).
		Msg("版本解析完成")
	return nil
}

// toModels 把解析器产出转换为数据库实体行
func (w *CvParseWorker) toModels(version *models.CvVersion, extracted []types.ExtractedEntity) ([]models.CvEntity, error) {
	entities := make([]models.CvEntity, 0, len(extracted))
	for _, e := range extracted {
		metadata, err := models.MapToJSON(e.Metadata)
		if err != nil {
			return nil, err
		}
		embedding, err := models.FloatsToJSON(e.Embedding)
		if err != nil {
			return nil, err
		}
		entities = append(entities, models.CvEntity{
			CVID:       version.CVID,
			VersionID:  version.VersionID,
			EntityType: string(e.Type),
			Label:      e.Label,
			Confidence: e.Confidence,
			Source:     string(types.SourceParser),
			Metadata:   metadata,
			Embedding:  embedding,
		})
	}
	return entities, nil
}

// mirror 更新CV主记录上的版本状态镜像，失败只记告警
func (w *CvParseWorker) mirror(ctx context.Context, version *models.CvVersion, apply func(entry *types.VersionSummaryEntry)) {
	if err := w.store.MirrorVersionStatus(ctx, version.CVID, version.VersionID, apply); err != nil {
		w.logger.Warn().Err(err).
			Str("cv_id", version.CVID).
			Str("version_id", version.VersionID).
			Msg("更新版本状态镜像失败")
	}
}
