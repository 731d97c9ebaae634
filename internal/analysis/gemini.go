package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// TextGenerator は1プロンプトの生成呼び出しを抽象化します。
// パイプラインのテストではスタブ実装に差し替えます。
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	Close() error
}

// GeminiClient は Google Gemini を用いた TextGenerator 実装です。
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient は Gemini クライアントを作成します。
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
	}, nil
}

// GenerateText はプロンプトを送信し、生成されたテキストを返します。
func (c *GeminiClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	// 出力のブレを抑えるため温度は低めに固定する
	model.SetTemperature(0.1)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classifyError(err)
	}

	text, err := extractTextFromResponse(resp)
	if err != nil {
		return "", &Error{Code: "ANALYSIS_FAILED", Message: "AIが結果を返しませんでした。", Err: err}
	}
	return text, nil
}

// Close はクライアントのリソースを解放します。
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// extractTextFromResponse はGeminiのレスポンスからテキスト部分を取り出します。
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}

	return strings.Join(parts, ""), nil
}

// classifyError はAPIエラーを呼び出し側が扱えるコードに分類します。
func classifyError(err error) *Error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "quota"):
		return &Error{
			Code:    "RATE_LIMITED",
			Message: "AIサービスのレート制限に達しました。しばらく待ってから再試行してください。",
			Err:     err,
		}
	case strings.Contains(msg, "api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "unauthenticated"),
		strings.Contains(msg, "permission"):
		return &Error{
			Code:    "AUTH_FAILED",
			Message: "AIサービスの認証に失敗しました。APIキーの設定を確認してください。",
			Err:     err,
		}
	default:
		return &Error{
			Code:    "ANALYSIS_FAILED",
			Message: "AI解析の実行に失敗しました。",
			Err:     err,
		}
	}
}
