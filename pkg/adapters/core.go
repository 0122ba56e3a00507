package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

// ContentGenerator は genai.Models.GenerateContent を抽象化するインターフェースです。
// *genai.Client の Models フィールドがそのまま満たします。
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// PartsGenerator は go-gemini-client の gemini.GenerativeModel のうち画像生成で使う部分です。
type PartsGenerator interface {
	GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

// GenaiPartsClient は genai.Models を PartsGenerator として使うためのアダプターです。
type GenaiPartsClient struct {
	models ContentGenerator
}

// NewGenaiPartsClient は GenaiPartsClient を生成します。
func NewGenaiPartsClient(models ContentGenerator) (*GenaiPartsClient, error) {
	if models == nil {
		return nil, fmt.Errorf("models (ContentGenerator) is required")
	}
	return &GenaiPartsClient{models: models}, nil
}

// GenerateWithParts はパーツを1つのユーザーメッセージにまとめ、画像と文章の両方を要求します。
func (c *GenaiPartsClient) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		Seed:               opts.Seed,
	}
	if opts.AspectRatio != "" {
		config.ImageConfig = &genai.ImageConfig{AspectRatio: opts.AspectRatio}
	}

	resp, err := c.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}
	return &gemini.Response{RawResponse: resp}, nil
}

// ImageGeneratorCore は Gemini とのやり取りで共通となる変換処理を抽象化するインターフェースです。
type ImageGeneratorCore interface {
	ToPart(photo domain.Photo) *genai.Part
	ParseToResponse(resp *genai.GenerateContentResponse) (*ImageOutput, error)
	ParseToText(resp *genai.GenerateContentResponse) (string, error)
}

// ImageCacher はキャッシュ操作を抽象化するインターフェースです。
// github.com/patrickmn/go-cache の *cache.Cache がそのまま満たします。
type ImageCacher interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, d time.Duration)
}

// ImageOutput はプロジェクト固有のドメインに依存しない汎用的なレスポンス構造体です。
type ImageOutput struct {
	Data     []byte
	MimeType string
}

// GeminiImageCore は Gemini への入出力変換の共通ロジックを保持するコンポーネントです。
type GeminiImageCore struct{}

// NewGeminiImageCore は GeminiImageCore のインスタンスを生成します。
func NewGeminiImageCore() *GeminiImageCore {
	return &GeminiImageCore{}
}

// ToPart は写真を genai.Part (InlineData) に変換します。
// 画像でないもの、空のものは nil を返します。
func (c *GeminiImageCore) ToPart(photo domain.Photo) *genai.Part {
	if photo.IsZero() {
		return nil
	}
	if !strings.HasPrefix(photo.MIMEType, "image/") {
		slog.Warn("MIMEタイプが画像ではないためPartに変換できませんでした", "mime_type", photo.MIMEType)
		return nil
	}
	return &genai.Part{
		InlineData: &genai.Blob{
			MIMEType: photo.MIMEType,
			Data:     photo.Data,
		},
	}
}

// ParseToResponse は Gemini のレスポンスから最初の画像パーツを取り出します。
func (c *GeminiImageCore) ParseToResponse(resp *genai.GenerateContentResponse) (*ImageOutput, error) {
	candidate, err := firstCandidate(resp)
	if err != nil {
		return nil, err
	}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &ImageOutput{
					Data:     part.InlineData.Data,
					MimeType: part.InlineData.MIMEType,
				}, nil
			}
		}
	}

	// 安全フィルター等によるブロックの確認
	if err := checkFinishReason(candidate); err != nil {
		return nil, err
	}

	return nil, domain.ErrNoImage
}

// ParseToText は Gemini のレスポンスからテキストパーツを連結して返します。
func (c *GeminiImageCore) ParseToText(resp *genai.GenerateContentResponse) (string, error) {
	candidate, err := firstCandidate(resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}

	if sb.Len() == 0 {
		if err := checkFinishReason(candidate); err != nil {
			return "", err
		}
		return "", fmt.Errorf("テキスト応答が空でした")
	}
	return sb.String(), nil
}

// Geminiからの最初の候補 (Candidate) のみを利用する。
func firstCandidate(resp *genai.GenerateContentResponse) (*genai.Candidate, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, fmt.Errorf("Geminiからの有効な応答がありませんでした")
	}
	return resp.Candidates[0], nil
}

func checkFinishReason(candidate *genai.Candidate) error {
	switch candidate.FinishReason {
	case "", genai.FinishReasonUnspecified, genai.FinishReasonStop:
		return nil
	default:
		return fmt.Errorf("生成が異常終了しました (FinishReason: %s)", candidate.FinishReason)
	}
}

func float32Ptr(v float32) *float32 {
	return &v
}
