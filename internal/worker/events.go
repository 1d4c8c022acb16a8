package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"cv-pipeline-go/internal/storage/models"
)

// pipelineEvent 流水线事件的统一载荷格式
type pipelineEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	CVID       string                 `json:"cv_id"`
	VersionID  string                 `json:"version_id,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// newOutboxEvent 构建一条发件箱消息，事件ID使用UUIDv7保证时间有序
func newOutboxEvent(eventType, cvID, versionID, exchange, routingKey string, occurredAt time.Time, data map[string]interface{}) (*models.OutboxMessage, error) {
	eventID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成事件ID失败: %w", err)
	}

	payload, err := json.Marshal(pipelineEvent{
		EventID:    eventID.String(),
		EventType:  eventType,
		CVID:       cvID,
		VersionID:  versionID,
		OccurredAt: occurredAt,
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化事件载荷失败: %w", err)
	}

	return &models.OutboxMessage{
		AggregateID:      cvID,
		EventType:        eventType,
		Payload:          string(payload),
		TargetExchange:   exchange,
		TargetRoutingKey: routingKey,
	}, nil
}
