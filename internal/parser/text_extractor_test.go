package parser

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTikaExtractorPlainTextPassthrough(t *testing.T) {
	e := NewTikaExtractor("http://tika.invalid:9998")

	// text/*不应发起网络请求
	text, err := e.ExtractText(context.Background(), "text/plain", []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestTikaExtractorSendsDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		assert.Equal(t, "text/plain", r.Header.Get("Accept"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("%PDF-1.7 fake"), body)
		_, _ = w.Write([]byte("extracted text"))
	}))
	defer server.Close()

	e := NewTikaExtractor(server.URL)
	text, err := e.ExtractText(context.Background(), "application/pdf", []byte("%PDF-1.7 fake"))
	require.NoError(t, err)
	assert.Equal(t, "extracted text", text)
}

func TestTikaExtractorServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	e := NewTikaExtractor(server.URL)
	_, err := e.ExtractText(context.Background(), "application/pdf", []byte("broken"))
	require.Error(t, err, "非200状态码应返回错误")
	assert.Contains(t, err.Error(), "422")
}

func TestPlainTextExtractor(t *testing.T) {
	e := &PlainTextExtractor{}
	text, err := e.ExtractText(context.Background(), "text/markdown", []byte("# CV"))
	require.NoError(t, err)
	assert.Equal(t, "# CV", text)
}
