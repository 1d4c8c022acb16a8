package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/storage/models"
	"cv-pipeline-go/internal/types"
)

// fakeScanStore 内存版ScanStore，按真实的条件更新语义实现认领
type fakeScanStore struct {
	versions map[string]*models.CvVersion
	order    []string
	mirrors  map[string]*types.VersionSummaryEntry
	events   []*models.OutboxMessage
}

func newFakeScanStore(versions ...*models.CvVersion) *fakeScanStore {
	s := &fakeScanStore{
		versions: make(map[string]*models.CvVersion),
		mirrors:  make(map[string]*types.VersionSummaryEntry),
	}
	for _, v := range versions {
		s.versions[v.VersionID] = v
		s.order = append(s.order, v.VersionID)
	}
	return s
}

func (s *fakeScanStore) ListScanCandidates(_ context.Context, batchSize int, includeErrors bool) ([]models.CvVersion, error) {
	var out []models.CvVersion
	for _, id := range s.order {
		v := s.versions[id]
		if v.VirusScanStatus == string(types.ScanPending) ||
			(includeErrors && v.VirusScanStatus == string(types.ScanError)) {
			out = append(out, *v)
		}
		if len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (s *fakeScanStore) ClaimScanQueued(_ context.Context, versionID string, from []string, queuedAt time.Time) (bool, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if v.VirusScanStatus == f {
			v.VirusScanStatus = string(types.ScanQueued)
			v.VirusQueuedAt = &queuedAt
			v.VirusScanMessage = ""
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeScanStore) TryClaimScanStatus(_ context.Context, versionID string, from []string, to string) (bool, error) {
	v, ok := s.versions[versionID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if v.VirusScanStatus == f {
			v.VirusScanStatus = to
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeScanStore) FinalizeScan(_ context.Context, versionID string, status string, message string, scannedAt time.Time) error {
	v, ok := s.versions[versionID]
	if !ok {
		return fmt.Errorf("version %s not found", versionID)
	}
	v.VirusScanStatus = status
	v.VirusScanMessage = message
	v.VirusScannedAt = &scannedAt
	return nil
}

func (s *fakeScanStore) MirrorVersionStatus(_ context.Context, _ string, versionID string, apply func(entry *types.VersionSummaryEntry)) error {
	entry, ok := s.mirrors[versionID]
	if !ok {
		entry = &types.VersionSummaryEntry{VersionID: versionID}
		s.mirrors[versionID] = entry
	}
	apply(entry)
	return nil
}

func (s *fakeScanStore) RecordOutboxEvent(_ context.Context, message *models.OutboxMessage) error {
	s.events = append(s.events, message)
	return nil
}

// failingScanner 扫描引擎不可用的场景
type failingScanner struct{}

func (failingScanner) Scan(context.Context, string) (types.ScanResult, error) {
	return types.ScanResult{}, fmt.Errorf("scanner unavailable")
}

func testMQConfig() *config.RabbitMQConfig {
	return &config.RabbitMQConfig{
		PipelineEventsExchange:     "cv.pipeline.events",
		VersionScannedRoutingKey:   "cv.version.scanned",
		VersionParsedRoutingKey:    "cv.version.parsed",
		RetentionChangedRoutingKey: "cv.retention.changed",
	}
}

func pendingVersion(id string) *models.CvVersion {
	return &models.CvVersion{
		VersionID:       id,
		CVID:            "cv-" + id,
		ObjectKey:       "cv/" + id + "/original.pdf",
		VirusScanStatus: string(types.ScanPending),
		ParseStatus:     string(types.ParsePending),
	}
}

func TestVirusScanWorkerHappyPath(t *testing.T) {
	store := newFakeScanStore(pendingVersion("v1"), pendingVersion("v2"))
	w := NewVirusScanWorker(store, &StubScanner{}, testMQConfig(), 10)

	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Clean)
	assert.Equal(t, 0, summary.Errors)

	v1 := store.versions["v1"]
	assert.Equal(t, string(types.ScanClean), v1.VirusScanStatus)
	assert.Equal(t, "No threats detected for cv/v1/original.pdf", v1.VirusScanMessage)
	require.NotNil(t, v1.VirusQueuedAt, "入队时应记录时间戳")
	require.NotNil(t, v1.VirusScannedAt, "扫描完成后应记录时间戳")

	// 镜像与版本表一致
	mirror := store.mirrors["v1"]
	require.NotNil(t, mirror)
	assert.Equal(t, types.ScanClean, mirror.VirusScanStatus)
	assert.NotNil(t, mirror.VirusScannedAt)

	// 每个版本产生一条扫描完成事件
	require.Len(t, store.events, 2)
	assert.Equal(t, "cv.version.scanned", store.events[0].EventType)
	assert.Equal(t, "cv.version.scanned", store.events[0].TargetRoutingKey)
}

func TestVirusScanWorkerClaimRace(t *testing.T) {
	// 候选列出后被另一实例抢先扫完
	v := pendingVersion("v1")
	store := newFakeScanStore(v)
	w := NewVirusScanWorker(store, &StubScanner{}, testMQConfig(), 10)

	candidates, err := store.ListScanCandidates(context.Background(), 10, false)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// 模拟竞争者完成了整个扫描流程
	v.VirusScanStatus = string(types.ScanClean)

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Queued)
	assert.Equal(t, 0, summary.Scanned, "已被处理的版本不应重复扫描")
	assert.Equal(t, string(types.ScanClean), v.VirusScanStatus)
}

func TestVirusScanWorkerLeavesQueuedToOwner(t *testing.T) {
	// 候选列出后被另一实例排队：排队认领失败就让位，
	// 不能去抢对方已排好队的版本
	v := pendingVersion("v1")
	store := newFakeScanStore(v)
	w := NewVirusScanWorker(store, &StubScanner{}, testMQConfig(), 10)

	candidates, err := store.ListScanCandidates(context.Background(), 10, false)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	v.VirusScanStatus = string(types.ScanQueued)

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Queued)
	assert.Equal(t, 0, summary.Scanned)
	assert.Equal(t, string(types.ScanQueued), v.VirusScanStatus, "排队中的版本归排队的实例处理")
}

func TestVirusScanWorkerScannerFailure(t *testing.T) {
	store := newFakeScanStore(pendingVersion("v1"))
	w := NewVirusScanWorker(store, failingScanner{}, testMQConfig(), 10)

	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Scanned)
	v := store.versions["v1"]
	assert.Equal(t, string(types.ScanError), v.VirusScanStatus)
	assert.Equal(t, "scanner unavailable", v.VirusScanMessage)
	assert.Empty(t, store.events, "失败的扫描不发布事件")
}

func TestVirusScanWorkerErrorIsTerminal(t *testing.T) {
	v := pendingVersion("v1")
	v.VirusScanStatus = string(types.ScanError)
	store := newFakeScanStore(v)

	w := NewVirusScanWorker(store, &StubScanner{}, testMQConfig(), 10)
	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed, "默认不重扫error状态的版本")

	// 显式开启重扫后error被重新纳入
	w = NewVirusScanWorker(store, &StubScanner{}, testMQConfig(), 10, WithRescanErrors(true))
	summary, err = w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, string(types.ScanClean), v.VirusScanStatus)
	assert.NotNil(t, v.VirusQueuedAt, "重扫也会重新记录入队时间")
}
