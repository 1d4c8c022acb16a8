package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/logger"
)

// BlobStore 对象存储接口。
// 处理管线只读取已上传的简历文件，写入和删除由上传入口负责。
type BlobStore interface {
	// FetchObject 按对象键下载文件内容
	FetchObject(ctx context.Context, objectKey string) ([]byte, error)
}

// 确保MinIO实现了BlobStore接口
var _ BlobStore = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger zerolog.Logger
}

// NewMinIO 创建MinIO客户端并确保简历存储桶存在
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client: client,
		cfg:    cfg,
		bucket: cfg.CvBucket,
		logger: logger.Logger.With().Str("component", "minio").Logger(),
	}

	if err := m.ensureBucketExists(context.Background(), m.bucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保简历存储桶 %s 存在失败: %w", m.bucket, err)
	}

	m.logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", m.bucket).Msg("MinIO客户端初始化完成")
	return m, nil
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		m.logger.Info().Str("bucket", bucketName).Msg("存储桶已创建")
	}
	return nil
}

// FetchObject 按对象键下载文件内容
func (m *MinIO) FetchObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", m.bucket, objectKey, err)
	}
	defer obj.Close()

	// Stat验证对象确实存在，GetObject本身是惰性的
	stat, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", m.bucket, objectKey, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", m.bucket, objectKey, err)
	}

	m.logger.Debug().
		Str("object_key", objectKey).
		Int64("size", stat.Size).
		Str("content_type", stat.ContentType).
		Msg("对象下载完成")
	return data, nil
}
