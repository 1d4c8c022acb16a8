package worker

import (
	"context"
	"fmt"

	"cv-pipeline-go/internal/types"
)

// VirusScanner 病毒扫描引擎接口
type VirusScanner interface {
	// Scan 扫描对象并返回结果，只有引擎本身不可用时才返回error
	Scan(ctx context.Context, objectKey string) (types.ScanResult, error)
}

// StubScanner 占位扫描引擎，始终报告无威胁。
// 生产部署替换为ClamAV等真实引擎的适配器。
type StubScanner struct{}

// Scan 始终返回clean
func (s *StubScanner) Scan(_ context.Context, objectKey string) (types.ScanResult, error) {
	return types.ScanResult{
		Status:  types.ScanClean,
		Message: fmt.Sprintf("No threats detected for %s", objectKey),
	}, nil
}
