package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-pipeline-go/internal/constants"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

// fakeRetentionStore 内存版RetentionStore，
// 模拟MySQL的RowsAffected语义：没有实际变化的更新返回0行
type fakeRetentionStore struct {
	cvs      map[string]*models.CV
	order    []string
	versions map[string][]models.CvVersion
	events   []*models.OutboxMessage
	writes   int
}

func newFakeRetentionStore(cvs ...*models.CV) *fakeRetentionStore {
	s := &fakeRetentionStore{
		cvs:      make(map[string]*models.CV),
		versions: make(map[string][]models.CvVersion),
	}
	for _, cv := range cvs {
		s.cvs[cv.CVID] = cv
		s.order = append(s.order, cv.CVID)
	}
	return s
}

func (s *fakeRetentionStore) ForEachCV(_ context.Context, _ int, fn func(cv *models.CV) error) error {
	for _, id := range s.order {
		snapshot := *s.cvs[id]
		if err := fn(&snapshot); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeRetentionStore) UpdateRetentionColumns(_ context.Context, cvID string, columns map[string]interface{}) (int64, error) {
	cv, ok := s.cvs[cvID]
	if !ok {
		return 0, nil
	}
	s.writes++

	changed := false
	setString := func(field *string, value interface{}) {
		next, _ := value.(string)
		if *field != next {
			*field = next
			changed = true
		}
	}
	setTime := func(field **time.Time, value interface{}) {
		var next *time.Time
		switch v := value.(type) {
		case *time.Time:
			next = v
		case time.Time:
			next = &v
		}
		same := (*field == nil && next == nil) ||
			(*field != nil && next != nil && (*field).Equal(*next))
		if !same {
			*field = next
			changed = true
		}
	}

	for column, value := range columns {
		switch column {
		case "retention_status":
			setString(&cv.RetentionStatus, value)
		case "retention_reason":
			setString(&cv.RetentionReason, value)
		case "retention_flagged_at":
			setTime(&cv.RetentionFlaggedAt, value)
		case "retention_purge_scheduled_for":
			setTime(&cv.RetentionPurgeScheduledFor, value)
		case "retention_purged_at":
			setTime(&cv.RetentionPurgedAt, value)
		case "retention_warning_sent_at":
			setTime(&cv.RetentionWarningSentAt, value)
		}
	}
	if changed {
		return 1, nil
	}
	return 0, nil
}

func (s *fakeRetentionStore) ListVersionsByCV(_ context.Context, cvID string) ([]models.CvVersion, error) {
	return s.versions[cvID], nil
}

func (s *fakeRetentionStore) RecordOutboxEvent(_ context.Context, message *models.OutboxMessage) error {
	s.events = append(s.events, message)
	return nil
}

// fakeConsent 固定应答的法律保留查询
type fakeConsent struct {
	holds map[string]bool
	err   error
}

func (c *fakeConsent) IsLegalHold(_ context.Context, consultantID string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.holds[consultantID], nil
}

// fakeChecksums 记录被解除的校验和
type fakeChecksums struct {
	removed []string
}

func (r *fakeChecksums) RemoveFileChecksum(_ context.Context, checksum string) error {
	r.removed = append(r.removed, checksum)
	return nil
}

var retentionNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return retentionNow }

func agedCV(id string, ageDays int) *models.CV {
	updated := retentionNow.Add(-time.Duration(ageDays) * 24 * time.Hour)
	return &models.CV{
		CVID:            id,
		ConsultantID:    "consultant-" + id,
		RetentionStatus: string(types.RetentionActive),
		CreatedAt:       updated,
		UpdatedAt:       updated,
	}
}

func newTestRetentionWorker(store *fakeRetentionStore, consent ConsentSource, options ...RetentionOption) *RetentionWorker {
	options = append([]RetentionOption{WithRetentionClock(fixedClock)}, options...)
	return NewRetentionWorker(store, consent, testMQConfig(), 548, 730, options...)
}

func TestRetentionWorkerFreshCVUntouched(t *testing.T) {
	cv := agedCV("cv1", 30)
	store := newFakeRetentionStore(cv)

	summary, err := newTestRetentionWorker(store, &fakeConsent{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Flagged)
	assert.Equal(t, 0, store.writes, "活跃期内的简历不应产生写入")
}

func TestRetentionWorkerFlagsStaleCV(t *testing.T) {
	cv := agedCV("cv1", 600)
	lastUpdated := cv.UpdatedAt
	store := newFakeRetentionStore(cv)

	summary, err := newTestRetentionWorker(store, &fakeConsent{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Flagged)
	assert.Equal(t, string(types.RetentionFlagged), cv.RetentionStatus)
	assert.Equal(t, constants.RetentionPolicyReason, cv.RetentionReason)
	require.NotNil(t, cv.RetentionFlaggedAt)
	assert.True(t, cv.RetentionFlaggedAt.Equal(retentionNow))
	require.NotNil(t, cv.RetentionWarningSentAt, "标记时记录告警时间")
	assert.True(t, cv.RetentionWarningSentAt.Equal(retentionNow))
	require.NotNil(t, cv.RetentionPurgeScheduledFor)
	assert.True(t, cv.RetentionPurgeScheduledFor.Equal(lastUpdated.Add(730*24*time.Hour)),
		"清除时间按最后更新时间推算，与标记时刻无关")

	require.Len(t, store.events, 1)
	assert.Equal(t, "cv.retention.flagged", store.events[0].EventType)
}

func TestRetentionWorkerFlagIsIdempotent(t *testing.T) {
	cv := agedCV("cv1", 600)
	store := newFakeRetentionStore(cv)
	w := newTestRetentionWorker(store, &fakeConsent{})

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	writesAfterFirst := store.writes

	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Flagged)
	assert.Equal(t, writesAfterFirst, store.writes, "重复执行不应再写库")
	assert.Len(t, store.events, 1, "不应重复发事件")
}

func TestRetentionWorkerFlagPreservesWarningSentAt(t *testing.T) {
	// 已标记但清除时间因阈值调整而漂移时会重写时间表，
	// 首次告警时间保持不变
	cv := agedCV("cv1", 600)
	cv.RetentionStatus = string(types.RetentionFlagged)
	flaggedAt := retentionNow.Add(-30 * 24 * time.Hour)
	cv.RetentionFlaggedAt = &flaggedAt
	cv.RetentionWarningSentAt = &flaggedAt
	stale := retentionNow.Add(100 * 24 * time.Hour)
	cv.RetentionPurgeScheduledFor = &stale
	store := newFakeRetentionStore(cv)

	_, err := newTestRetentionWorker(store, &fakeConsent{}).Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, cv.RetentionWarningSentAt)
	assert.True(t, cv.RetentionWarningSentAt.Equal(flaggedAt), "重写时间表不刷新告警时间")
	require.NotNil(t, cv.RetentionPurgeScheduledFor)
	assert.True(t, cv.RetentionPurgeScheduledFor.Equal(cv.UpdatedAt.Add(730*24*time.Hour)))
}

func TestRetentionWorkerPurgesExpiredCV(t *testing.T) {
	cv := agedCV("cv1", 800)
	lastUpdated := cv.UpdatedAt
	store := newFakeRetentionStore(cv)
	store.versions[cv.CVID] = []models.CvVersion{
		{VersionID: "v1", CVID: cv.CVID, Checksum: "abc123"},
		{VersionID: "v2", CVID: cv.CVID, Checksum: ""},
	}
	checksums := &fakeChecksums{}

	summary, err := newTestRetentionWorker(store, &fakeConsent{},
		WithChecksumRegistry(checksums)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Purged)
	assert.Equal(t, string(types.RetentionPurged), cv.RetentionStatus)
	require.NotNil(t, cv.RetentionPurgedAt)
	assert.True(t, cv.RetentionPurgedAt.Equal(retentionNow))
	require.NotNil(t, cv.RetentionPurgeScheduledFor)
	assert.True(t, cv.RetentionPurgeScheduledFor.Equal(lastUpdated.Add(730*24*time.Hour)))

	assert.Equal(t, []string{"abc123"}, checksums.removed, "只解除非空校验和")
	require.Len(t, store.events, 1)
	assert.Equal(t, "cv.retention.purged", store.events[0].EventType)
}

func TestRetentionWorkerPurgePreservesExistingTimestamps(t *testing.T) {
	cv := agedCV("cv1", 800)
	scheduledFor := retentionNow.Add(-100 * 24 * time.Hour)
	purgedAt := retentionNow.Add(-70 * 24 * time.Hour)
	cv.RetentionStatus = string(types.RetentionPurged)
	cv.RetentionReason = constants.RetentionPolicyReason
	cv.RetentionPurgeScheduledFor = &scheduledFor
	cv.RetentionPurgedAt = &purgedAt
	store := newFakeRetentionStore(cv)

	summary, err := newTestRetentionWorker(store, &fakeConsent{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Purged)
	assert.True(t, cv.RetentionPurgedAt.Equal(purgedAt), "已有清除时间不应被覆盖")
	assert.True(t, cv.RetentionPurgeScheduledFor.Equal(scheduledFor))
	assert.Empty(t, store.events)
}

func TestRetentionWorkerLegalHoldFreezes(t *testing.T) {
	cv := agedCV("cv1", 800) // 早已超过清除阈值
	store := newFakeRetentionStore(cv)
	consent := &fakeConsent{holds: map[string]bool{cv.ConsultantID: true}}

	summary, err := newTestRetentionWorker(store, consent).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SkippedLegalHold)
	assert.Equal(t, 0, summary.Purged)
	assert.Equal(t, string(types.RetentionActive), cv.RetentionStatus)
	assert.Equal(t, 0, store.writes, "法律保留期间完全冻结")
}

func TestRetentionWorkerRestoresActiveCV(t *testing.T) {
	cv := agedCV("cv1", 10) // 最近刚更新过
	flaggedAt := retentionNow.Add(-60 * 24 * time.Hour)
	cv.RetentionStatus = string(types.RetentionFlagged)
	cv.RetentionReason = constants.RetentionPolicyReason
	cv.RetentionFlaggedAt = &flaggedAt
	cv.RetentionPurgeScheduledFor = &retentionNow
	store := newFakeRetentionStore(cv)

	summary, err := newTestRetentionWorker(store, &fakeConsent{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Restored)
	assert.Equal(t, string(types.RetentionActive), cv.RetentionStatus)
	assert.Empty(t, cv.RetentionReason)
	assert.Nil(t, cv.RetentionFlaggedAt)
	assert.Nil(t, cv.RetentionPurgeScheduledFor)
	assert.Nil(t, cv.RetentionPurgedAt)
	require.Len(t, store.events, 1)
	assert.Equal(t, "cv.retention.restored", store.events[0].EventType)
}

func TestRetentionWorkerConsentErrorCounted(t *testing.T) {
	store := newFakeRetentionStore(agedCV("cv1", 800), agedCV("cv2", 30))
	consent := &fakeConsent{err: fmt.Errorf("redis连接超时")}

	summary, err := newTestRetentionWorker(store, consent).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, 0, store.writes)
}
