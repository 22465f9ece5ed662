package embedding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
)

// BatchProvider 批量模式写入账本的 provider
const BatchProvider = "openai"

var batchModels = map[string]bool{
	"text-embedding-3-small": true,
	"text-embedding-3-large": true,
	"text-embedding-ada-002": true,
}

// NormalizeBatchModel 只允许 OpenAI 嵌入模型，其余回退到最便宜的 text-embedding-3-small
func NormalizeBatchModel(model string) string {
	if batchModels[model] {
		return model
	}
	return "text-embedding-3-small"
}

// BatchConfig OpenAI Batch API 配置
type BatchConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPoll      time.Duration
}

// BatchClient 通过 OpenAI Batch API 生成嵌入：
// 上传 JSONL → 创建 batch → 轮询直到终态 → 下载输出并按 custom_id 还原顺序。
type BatchClient struct {
	cfg    BatchConfig
	client *http.Client
	logger *zap.Logger
}

// NewBatchClient 创建批量客户端
func NewBatchClient(cfg BatchConfig, logger *zap.Logger) *BatchClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchClient{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "embedding_batch")),
	}
}

type batchLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
}

// BuildJSONL 每个输入一行请求，custom_id 为 "<job_id>-<idx>"
func BuildJSONL(model string, inputs []string, jobID string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, text := range inputs {
		if err := enc.Encode(batchLine{
			CustomID: fmt.Sprintf("%s-%d", jobID, i),
			Method:   http.MethodPost,
			URL:      "/v1/embeddings",
			Body:     map[string]any{"model": model, "input": text},
		}); err != nil {
			return nil, err
		}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ParseJSONL 解析 batch 输出，按 custom_id 末尾的序号还原输入顺序；
// 缺失的向量为空切片。
func ParseJSONL(data []byte, n int) []Item {
	byIndex := make(map[int][]float64, n)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var obj struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body struct {
					Data []struct {
						Embedding []float64 `json:"embedding"`
					} `json:"data"`
				} `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(line), &obj); err != nil || obj.CustomID == "" {
			continue
		}
		pos := strings.LastIndex(obj.CustomID, "-")
		idx, err := strconv.Atoi(obj.CustomID[pos+1:])
		if err != nil {
			continue
		}
		if data := obj.Response.Body.Data; len(data) > 0 && data[0].Embedding != nil {
			byIndex[idx] = data[0].Embedding
		}
	}

	items := make([]Item, n)
	for i := range items {
		vec := byIndex[i]
		if vec == nil {
			vec = []float64{}
		}
		items[i] = Item{Object: "embedding", Embedding: vec}
	}
	return items
}

// Embed 执行完整的 batch 流程
func (c *BatchClient) Embed(ctx context.Context, model string, inputs []string, jobID string) ([]Item, error) {
	content, err := BuildJSONL(model, inputs, jobID)
	if err != nil {
		return nil, err
	}

	fileID, err := c.upload(ctx, content)
	if err != nil {
		return nil, err
	}

	var batch batchObject
	if err := c.doJSON(ctx, http.MethodPost, "/v1/batches", map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/embeddings",
		"completion_window": "24h",
		"metadata":          map[string]string{"job_id": jobID},
	}, &batch); err != nil {
		return nil, err
	}
	c.logger.Info("embedding batch created",
		zap.String("job_id", jobID),
		zap.String("batch_id", batch.ID),
		zap.Int("inputs", len(inputs)))

	done, err := c.wait(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	if done.OutputFileID == "" {
		return nil, llm.NewUpstreamUnavailableError(BatchProvider, fmt.Errorf("batch %s finished without output_file_id", done.ID))
	}

	output, err := c.download(ctx, done.OutputFileID)
	if err != nil {
		return nil, err
	}
	return ParseJSONL(output, len(inputs)), nil
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "canceled", "expired":
		return true
	}
	return false
}

// wait 轮询 batch 状态，间隔每次 ×1.5，上限 MaxPoll
func (c *BatchClient) wait(ctx context.Context, batchID string) (*batchObject, error) {
	delay := c.cfg.PollInterval
	for {
		var current batchObject
		if err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+batchID, nil, &current); err != nil {
			return nil, err
		}
		if isTerminal(current.Status) {
			if current.Status != "completed" {
				return nil, llm.NewUpstreamUnavailableError(BatchProvider,
					fmt.Errorf("batch embeddings not completed: status=%s", current.Status))
			}
			return &current, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > c.cfg.MaxPoll {
			delay = c.cfg.MaxPoll
		}
	}
}

func (c *BatchClient) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *BatchClient) upload(ctx context.Context, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", "embeddings-batch.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/files"), &body)
	if err != nil {
		return "", err
	}
	providers.BearerTokenHeaders(req, c.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var file struct {
		ID string `json:"id"`
	}
	if err := providers.DoJSON(c.client, req, BatchProvider, &file); err != nil {
		return "", err
	}
	return file.ID, nil
}

func (c *BatchClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	providers.BearerTokenHeaders(req, c.cfg.APIKey)
	return providers.DoJSON(c.client, req, BatchProvider, out)
}

func (c *BatchClient) download(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/files/"+fileID+"/content"), nil)
	if err != nil {
		return nil, err
	}
	providers.BearerTokenHeaders(req, c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, llm.NewUpstreamUnavailableError(BatchProvider, err)
	}
	defer providers.SafeCloseBody(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, providers.ReadErrorMessage(resp.Body), BatchProvider)
	}
	return io.ReadAll(resp.Body)
}
