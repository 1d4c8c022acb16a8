package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cv-pipeline-go/internal/logger"
)

// TextExtractor 从文档字节流中提取纯文本
type TextExtractor interface {
	// ExtractText 按MIME类型提取文本内容
	ExtractText(ctx context.Context, mimeType string, data []byte) (string, error)
}

// PlainTextExtractor 处理text/*类型的直通提取器
type PlainTextExtractor struct{}

// ExtractText 直接返回字节内容
func (e *PlainTextExtractor) ExtractText(_ context.Context, _ string, data []byte) (string, error) {
	return string(data), nil
}

// TikaExtractor 基于Apache Tika服务器的文本提取器。
// 支持PDF、DOCX等二进制格式；text/*类型不经过Tika直接透传。
type TikaExtractor struct {
	// Tika服务器地址，例如 http://localhost:9998
	ServerURL string
	// HTTP客户端，可配置超时等参数
	Client *http.Client
	logger zerolog.Logger
}

// TikaExtractorOption 定义配置选项函数
type TikaExtractorOption func(*TikaExtractor)

// WithTikaTimeout 配置HTTP客户端超时时间
func WithTikaTimeout(timeout time.Duration) TikaExtractorOption {
	return func(e *TikaExtractor) {
		e.Client.Timeout = timeout
	}
}

// WithTikaClient 配置自定义HTTP客户端
func WithTikaClient(client *http.Client) TikaExtractorOption {
	return func(e *TikaExtractor) {
		e.Client = client
	}
}

// WithTikaLogger 配置自定义日志记录器
func WithTikaLogger(l zerolog.Logger) TikaExtractorOption {
	return func(e *TikaExtractor) {
		e.logger = l
	}
}

// 确保TikaExtractor实现了TextExtractor接口
var _ TextExtractor = (*TikaExtractor)(nil)

// NewTikaExtractor 创建一个新的Tika文本提取器
func NewTikaExtractor(serverURL string, options ...TikaExtractorOption) *TikaExtractor {
	extractor := &TikaExtractor{
		ServerURL: serverURL,
		Client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.Logger.With().Str("component", "tika_extractor").Logger(),
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor
}

// ExtractText 将文档发送到Tika服务器并返回纯文本。
// text/*类型的内容不发起网络请求，直接返回原始字节。
func (e *TikaExtractor) ExtractText(ctx context.Context, mimeType string, data []byte) (string, error) {
	if strings.HasPrefix(mimeType, "text/") {
		return string(data), nil
	}

	startTime := time.Now()

	url := fmt.Sprintf("%s/tika", e.ServerURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建Tika请求失败: %w", err)
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求到Tika服务器失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tika服务器返回错误状态码: %d", resp.StatusCode)
	}

	textBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取Tika响应失败: %w", err)
	}

	e.logger.Debug().
		Str("mime_type", mimeType).
		Int("text_length", len(textBytes)).
		Dur("duration", time.Since(startTime)).
		Msg("Tika文本提取完成")

	return string(textBytes), nil
}
