package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cv-pipeline-go/internal/logger"
	"cv-pipeline-go/internal/storage"
	"cv-pipeline-go/internal/storage/models"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultBatchSize       = 10
	maxRetryCount          = 5
)

// MessageRelay 轮询outbox表并把流水线事件发布到RabbitMQ。
// worker只往发件箱写事件，发布统一由中继完成，
// 这样业务写入和事件发布各自独立失败，不会出现发了消息却没落库的情况。
type MessageRelay struct {
	db              *gorm.DB
	publisher       storage.MessageQueue
	logger          zerolog.Logger
	pollingInterval time.Duration
	batchSize       int
	done            chan struct{}
	tracer          trace.Tracer
}

// RelayOption 中继的配置选项函数
type RelayOption func(*MessageRelay)

// WithPollingInterval 覆盖轮询间隔
func WithPollingInterval(interval time.Duration) RelayOption {
	return func(r *MessageRelay) {
		if interval > 0 {
			r.pollingInterval = interval
		}
	}
}

// WithRelayBatchSize 覆盖单次轮询的消息批量
func WithRelayBatchSize(batchSize int) RelayOption {
	return func(r *MessageRelay) {
		if batchSize > 0 {
			r.batchSize = batchSize
		}
	}
}

// NewMessageRelay 创建发件箱消息中继
func NewMessageRelay(db *gorm.DB, publisher storage.MessageQueue, options ...RelayOption) *MessageRelay {
	r := &MessageRelay{
		db:              db,
		publisher:       publisher,
		logger:          logger.Logger.With().Str("component", "outbox_relay").Logger(),
		pollingInterval: defaultPollingInterval,
		batchSize:       defaultBatchSize,
		done:            make(chan struct{}),
		tracer:          otel.Tracer("outbox-relay"),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Start 启动后台轮询
func (r *MessageRelay) Start() {
	r.logger.Info().Dur("interval", r.pollingInterval).Msg("发件箱中继启动")
	ticker := time.NewTicker(r.pollingInterval)

	go func() {
		for {
			select {
			case <-r.done:
				ticker.Stop()
				r.logger.Info().Msg("发件箱中继已停止")
				return
			case <-ticker.C:
				if _, err := r.RunOnce(context.Background()); err != nil {
					r.logger.Error().Err(err).Msg("处理待发送消息失败")
				}
			}
		}
	}()
}

// Stop 停止后台轮询
func (r *MessageRelay) Stop() {
	close(r.done)
}

// Drain 反复执行RunOnce直到发件箱里没有待发送消息，一次性任务模式用
func (r *MessageRelay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		published, err := r.RunOnce(ctx)
		total += published
		if err != nil {
			return total, err
		}
		if published == 0 {
			return total, nil
		}
	}
}

// RunOnce 取出一批PENDING消息并发布，返回成功发布的条数。
// FOR UPDATE SKIP LOCKED让多实例并发轮询时各取各的批次，互不阻塞。
func (r *MessageRelay) RunOnce(ctx context.Context) (int, error) {
	var messages []models.OutboxMessage

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}
	defer tx.Rollback()

	err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", "PENDING").
		Order("created_at asc").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return 0, err
	}

	// 空轮询不开Span，避免追踪里全是噪音
	if len(messages) == 0 {
		return 0, tx.Commit().Error
	}

	ctx, span := r.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(
			attribute.Int("messaging.batch.message_count", len(messages)),
		),
	)
	defer span.End()

	published := 0
	for i := range messages {
		msg := &messages[i]
		err := r.publisher.PublishMessage(ctx, msg.TargetExchange, msg.TargetRoutingKey, []byte(msg.Payload), true)
		if err != nil {
			r.logger.Warn().Err(err).
				Uint64("message_id", msg.ID).
				Str("aggregate_id", msg.AggregateID).
				Int("retry_count", msg.RetryCount+1).
				Msg("发布消息失败")
			msg.RetryCount++
			msg.ErrorMessage = err.Error()
			if msg.RetryCount >= maxRetryCount {
				msg.Status = "FAILED"
			}
		} else {
			now := time.Now()
			msg.Status = "SENT"
			msg.ProcessedAt = &now
			msg.ErrorMessage = ""
			published++
		}

		// 状态更新失败回滚整个批次，消息留在PENDING等下一轮
		if err := tx.Save(msg).Error; err != nil {
			return 0, err
		}
	}

	return published, tx.Commit().Error
}
