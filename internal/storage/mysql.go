package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/tracing"
	"cv-pipeline-go/internal/types"
)

var mysqlTracer = otel.Tracer("cv-pipeline-go/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	dbSystem       string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		sqlStatement := db.Statement.SQL.String()
		if sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", tracing.SafeSQL(sqlStatement)),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		// 将span保存在DB上下文中，以便在after回调中使用
		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		// ErrRecordNotFound是业务逻辑正常情况的一部分，不应作为错误处理
		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		dbSystem:       "mysql",
		disableErrSkip: true,
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并自动迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	// 迁移期间关闭SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.CV{},
		&models.CvVersion{},
		&models.CvEntity{},
		&models.ConsultantConsent{},
		&models.OutboxMessage{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// ListScanCandidates 列出待病毒扫描的版本，按创建时间升序。
// includeErrors为真时把扫描失败的版本也重新纳入。
func (m *MySQL) ListScanCandidates(ctx context.Context, batchSize int, includeErrors bool) ([]models.CvVersion, error) {
	statuses := []string{string(types.ScanPending)}
	if includeErrors {
		statuses = append(statuses, string(types.ScanError))
	}

	var versions []models.CvVersion
	err := m.db.WithContext(ctx).
		Where("virus_scan_status IN ?", statuses).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("查询待扫描版本失败: %w", err)
	}
	return versions, nil
}

// ListParseCandidates 列出解析状态在给定集合内的版本，按创建时间升序。
// 解析资格只看parse_status，不看扫描结论，扫描出错的版本仍可解析。
func (m *MySQL) ListParseCandidates(ctx context.Context, batchSize int, statuses []string) ([]models.CvVersion, error) {
	var versions []models.CvVersion
	err := m.db.WithContext(ctx).
		Where("parse_status IN ?", statuses).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("查询待解析版本失败: %w", err)
	}
	return versions, nil
}

// TryClaimScanStatus 乐观认领：仅当当前扫描状态在from集合内时转移到to。
// 返回是否认领成功，认领失败说明别的worker已抢先处理。
func (m *MySQL) TryClaimScanStatus(ctx context.Context, versionID string, from []string, to string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.CvVersion{}).
		Where("version_id = ? AND virus_scan_status IN ?", versionID, from).
		Update("virus_scan_status", to)
	if result.Error != nil {
		return false, fmt.Errorf("转移扫描状态失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ClaimScanQueued 把版本从待扫描状态认领为queued，同时记录入队时间
// 并清空上一轮的扫描结论消息。
func (m *MySQL) ClaimScanQueued(ctx context.Context, versionID string, from []string, queuedAt time.Time) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.CvVersion{}).
		Where("version_id = ? AND virus_scan_status IN ?", versionID, from).
		Updates(map[string]interface{}{
			"virus_scan_status":  string(types.ScanQueued),
			"virus_queued_at":    queuedAt,
			"virus_scan_message": "",
		})
	if result.Error != nil {
		return false, fmt.Errorf("认领扫描队列状态失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// TryClaimParseStatus 乐观认领：仅当当前解析状态在from集合内时转移到to。
func (m *MySQL) TryClaimParseStatus(ctx context.Context, versionID string, from []string, to string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.CvVersion{}).
		Where("version_id = ? AND parse_status IN ?", versionID, from).
		Update("parse_status", to)
	if result.Error != nil {
		return false, fmt.Errorf("转移解析状态失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FinalizeScan 无条件写入扫描终态
func (m *MySQL) FinalizeScan(ctx context.Context, versionID string, status string, message string, scannedAt time.Time) error {
	err := m.db.WithContext(ctx).Model(&models.CvVersion{}).
		Where("version_id = ?", versionID).
		Updates(map[string]interface{}{
			"virus_scan_status":  status,
			"virus_scan_message": message,
			"virus_scanned_at":   scannedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("写入扫描结果失败: %w", err)
	}
	return nil
}

// FinalizeParse 写入解析成功终态 (在事务中执行)
func (m *MySQL) FinalizeParse(tx *gorm.DB, versionID string, parserVersion string, parsedAt time.Time) error {
	return tx.Model(&models.CvVersion{}).
		Where("version_id = ?", versionID).
		Updates(map[string]interface{}{
			"parse_status":   string(types.ParseParsed),
			"parse_error":    "",
			"parser_version": parserVersion,
			"parsed_at":      parsedAt,
		}).Error
}

// FailParse 写入解析失败终态
func (m *MySQL) FailParse(ctx context.Context, versionID string, parseError string) error {
	err := m.db.WithContext(ctx).Model(&models.CvVersion{}).
		Where("version_id = ?", versionID).
		Updates(map[string]interface{}{
			"parse_status": string(types.ParseError),
			"parse_error":  parseError,
			"parsed_at":    nil,
		}).Error
	if err != nil {
		return fmt.Errorf("写入解析失败状态失败: %w", err)
	}
	return nil
}

// ReplaceParserEntities 替换某个版本的解析器产出实体 (在事务中执行)。
// 只删除该版本source='parser'的旧实体，人工录入和其他版本的实体不受影响。
func (m *MySQL) ReplaceParserEntities(tx *gorm.DB, cvID string, versionID string, entities []models.CvEntity) error {
	if err := tx.Where("cv_id = ? AND version_id = ? AND source = ?", cvID, versionID, string(types.SourceParser)).
		Delete(&models.CvEntity{}).Error; err != nil {
		return fmt.Errorf("删除旧解析实体失败: %w", err)
	}
	if len(entities) == 0 {
		return nil
	}
	if err := tx.Create(&entities).Error; err != nil {
		return fmt.Errorf("插入解析实体失败: %w", err)
	}
	return nil
}

// MirrorVersionStatus 在行锁内重写简历行上的版本状态镜像。
// apply收到该版本对应的镜像条目（不存在则为新条目）并就地修改。
// 使用UpdateColumn避免触发autoUpdateTime，镜像写入不算用户活动。
func (m *MySQL) MirrorVersionStatus(ctx context.Context, cvID string, versionID string, apply func(entry *types.VersionSummaryEntry)) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cv models.CV
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("cv_id = ?", cvID).
			First(&cv).Error; err != nil {
			return fmt.Errorf("锁定简历行失败: %w", err)
		}

		var entries []types.VersionSummaryEntry
		if len(cv.VersionSummaries) > 0 {
			if err := json.Unmarshal(cv.VersionSummaries, &entries); err != nil {
				return fmt.Errorf("解析版本状态镜像失败: %w", err)
			}
		}

		found := false
		for i := range entries {
			if entries[i].VersionID == versionID {
				apply(&entries[i])
				found = true
				break
			}
		}
		if !found {
			entry := types.VersionSummaryEntry{VersionID: versionID}
			apply(&entry)
			entries = append(entries, entry)
		}

		payload, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("序列化版本状态镜像失败: %w", err)
		}

		return tx.Model(&models.CV{}).
			Where("cv_id = ?", cvID).
			UpdateColumn("version_summaries", payload).Error
	})
}

// ForEachCV 按批遍历所有简历，fn返回错误时中断遍历
func (m *MySQL) ForEachCV(ctx context.Context, batchSize int, fn func(cv *models.CV) error) error {
	var batch []models.CV
	result := m.db.WithContext(ctx).
		Order("cv_id ASC").
		FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			for i := range batch {
				if err := fn(&batch[i]); err != nil {
					return err
				}
			}
			return nil
		})
	if result.Error != nil {
		return fmt.Errorf("遍历简历失败: %w", result.Error)
	}
	return nil
}

// GetConsent 获取顾问的同意记录，不存在时返回nil
func (m *MySQL) GetConsent(ctx context.Context, consultantID string) (*models.ConsultantConsent, error) {
	var consent models.ConsultantConsent
	err := m.db.WithContext(ctx).
		Where("consultant_id = ?", consultantID).
		First(&consent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询同意记录失败: %w", err)
	}
	return &consent, nil
}

// UpdateRetentionColumns 更新简历的保留策略列并返回实际修改的行数。
// 使用UpdateColumns绕过autoUpdateTime：保留worker的写入不能刷新
// updated_at，否则记录年龄被重置，清除时间表随之漂移。
func (m *MySQL) UpdateRetentionColumns(ctx context.Context, cvID string, columns map[string]interface{}) (int64, error) {
	result := m.db.WithContext(ctx).Model(&models.CV{}).
		Where("cv_id = ?", cvID).
		UpdateColumns(columns)
	if result.Error != nil {
		return 0, fmt.Errorf("更新保留状态失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListEntityCandidates 列出建议打分的候选实体，排除已清除简历的实体。
// cap限制候选集大小，防止全表embedding比对。
func (m *MySQL) ListEntityCandidates(ctx context.Context, entityTypes []string, cap int) ([]models.CvEntity, error) {
	query := m.db.WithContext(ctx).Model(&models.CvEntity{}).
		Joins("JOIN cvs ON cvs.cv_id = cv_entities.cv_id").
		Where("cvs.retention_status <> ?", string(types.RetentionPurged))
	if len(entityTypes) > 0 {
		query = query.Where("cv_entities.entity_type IN ?", entityTypes)
	}

	var entities []models.CvEntity
	err := query.Order("cv_entities.entity_id DESC").
		Limit(cap).
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("查询候选实体失败: %w", err)
	}
	return entities, nil
}

// ListVersionsByCV 列出一份简历的全部版本
func (m *MySQL) ListVersionsByCV(ctx context.Context, cvID string) ([]models.CvVersion, error) {
	var versions []models.CvVersion
	err := m.db.WithContext(ctx).
		Where("cv_id = ?", cvID).
		Order("created_at ASC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("查询简历版本失败: %w", err)
	}
	return versions, nil
}

// AppendOutboxMessage 向发件箱追加一条事件消息 (在事务中执行)
func (m *MySQL) AppendOutboxMessage(tx *gorm.DB, message *models.OutboxMessage) error {
	return tx.Create(message).Error
}

// RecordOutboxEvent 独立事务写入一条发件箱消息
func (m *MySQL) RecordOutboxEvent(ctx context.Context, message *models.OutboxMessage) error {
	if err := m.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("写入发件箱消息失败: %w", err)
	}
	return nil
}

// PersistParseResult 在单个事务中落盘一次解析的全部产物：
// 替换解析实体、写入解析终态、追加发件箱事件。
func (m *MySQL) PersistParseResult(ctx context.Context, cvID string, versionID string, entities []models.CvEntity, parserVersion string, parsedAt time.Time, event *models.OutboxMessage) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.ReplaceParserEntities(tx, cvID, versionID, entities); err != nil {
			return err
		}
		if err := m.FinalizeParse(tx, versionID, parserVersion, parsedAt); err != nil {
			return fmt.Errorf("写入解析终态失败: %w", err)
		}
		if event != nil {
			if err := m.AppendOutboxMessage(tx, event); err != nil {
				return fmt.Errorf("追加发件箱事件失败: %w", err)
			}
		}
		return nil
	})
}
