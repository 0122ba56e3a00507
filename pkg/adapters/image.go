package adapters

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
	"github.com/shouni/gemini-toonify-kit/pkg/imgutil"
	"github.com/shouni/gemini-toonify-kit/pkg/prompts"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

var tracer = otel.Tracer("github.com/shouni/gemini-toonify-kit/pkg/adapters")

// CartoonSynthesizer は写真を漫画風に描き直すためのインターフェースです。
type CartoonSynthesizer interface {
	Synthesize(ctx context.Context, req domain.SynthesisRequest) (*domain.SynthesisResponse, error)
}

// GeminiCartoonSynthesizer は漫画風画像の生成を管理するアダプター層です。
type GeminiCartoonSynthesizer struct {
	imgCore  ImageGeneratorCore // 共通ロジック保持（コンポジション）
	aiClient PartsGenerator     // 通信クライアント
	model    string             // 使用するモデル名
}

// NewGeminiCartoonSynthesizer は GeminiImageCore と依存関係を注入して初期化します。
func NewGeminiCartoonSynthesizer(core ImageGeneratorCore, aiClient PartsGenerator, modelName string) (*GeminiCartoonSynthesizer, error) {
	if core == nil {
		return nil, fmt.Errorf("core (ImageGeneratorCore) is required")
	}
	if aiClient == nil {
		return nil, fmt.Errorf("aiClient (PartsGenerator) is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("modelName is required")
	}
	return &GeminiCartoonSynthesizer{
		imgCore:  core,
		aiClient: aiClient,
		model:    modelName,
	}, nil
}

// Synthesize は写真・画風・パレット・線画レベルから漫画風画像を1枚生成します。
// 入力不備は ValidationError、通信失敗や画像が含まれない応答は RemoteModelError を返します。
func (a *GeminiCartoonSynthesizer) Synthesize(ctx context.Context, req domain.SynthesisRequest) (*domain.SynthesisResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "toonify.Synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.model", a.model),
		attribute.String("toonify.style", req.Style),
		attribute.String("toonify.palette", string(req.Palette)),
		attribute.Int("toonify.detail", req.Detail),
	)

	resp, err := a.synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (a *GeminiCartoonSynthesizer) synthesize(ctx context.Context, req domain.SynthesisRequest) (*domain.SynthesisResponse, error) {
	text, err := prompts.BuildSynthesisPrompt(req)
	if err != nil {
		return nil, err
	}

	imgPart := a.imgCore.ToPart(req.Photo)
	if imgPart == nil {
		return nil, &domain.ValidationError{Field: "photo", Reason: "写真を画像パーツに変換できませんでした"}
	}

	// 写真を先に、指示テキストを後に置く
	parts := []*genai.Part{imgPart, {Text: text}}
	// アスペクト比は指定せず元写真の構図に任せる
	opts := gemini.GenerateOptions{}

	slog.InfoContext(ctx, "Geminiに漫画風画像の生成をリクエストします",
		"model", a.model, "style", req.Style, "palette", req.Palette, "detail", req.Detail)

	resp, err := a.aiClient.GenerateWithParts(ctx, a.model, parts, opts)
	if err != nil {
		return nil, domain.NewRemoteModelError(domain.OpSynthesize, fmt.Errorf("Gemini漫画風画像生成エラー: %w", err))
	}

	var raw *genai.GenerateContentResponse
	if resp != nil {
		raw = resp.RawResponse
	}
	out, err := a.imgCore.ParseToResponse(raw)
	if err != nil {
		return nil, domain.NewRemoteModelError(domain.OpSynthesize, fmt.Errorf("レスポンスパースに失敗しました: %w", err))
	}

	mimeType := out.MimeType
	if mimeType == "" {
		// 形式が申告されない場合はヘッダから判定する
		mimeType = "image/png"
		if info, err := imgutil.Inspect(out.Data); err == nil {
			mimeType = info.MIMEType
		}
	}
	image := domain.NewPhoto(out.Data, mimeType)
	slog.InfoContext(ctx, "漫画風画像の生成が完了しました", "mime_type", image.MIMEType, "bytes", image.Size())

	return &domain.SynthesisResponse{Image: image}, nil
}
