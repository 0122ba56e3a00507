package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
	"github.com/shouni/gemini-toonify-kit/pkg/prompts"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

// StyleSuggester は写真から候補となる画風名を提案するインターフェースです。
type StyleSuggester interface {
	SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error)
}

// styleSchema は {"styles": ["..."]} 形式の応答を要求するスキーマです。
var styleSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"styles": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"styles"},
}

// GeminiStyleSuggester は Gemini を利用して画風を提案するアダプターです。
type GeminiStyleSuggester struct {
	imgCore     ImageGeneratorCore
	aiClient    ContentGenerator
	model       string
	temperature float32
}

// NewGeminiStyleSuggester は、依存関係を注入してアダプターのインスタンスを作成する。
func NewGeminiStyleSuggester(core ImageGeneratorCore, aiClient ContentGenerator, model string, temperature float32) (*GeminiStyleSuggester, error) {
	if core == nil {
		return nil, fmt.Errorf("core (ImageGeneratorCore) is required")
	}
	if aiClient == nil {
		return nil, fmt.Errorf("aiClient (ContentGenerator) is required")
	}
	return &GeminiStyleSuggester{
		imgCore:     core,
		aiClient:    aiClient,
		model:       model,
		temperature: temperature,
	}, nil
}

// SuggestStyles は写真を解析させ、画風名の順序付きリストを返します。
// リトライは行わず、失敗はそのまま RemoteModelError として呼び出し元に返します。
func (a *GeminiStyleSuggester) SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error) {
	if err := photo.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "toonify.SuggestStyles")
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", a.model))

	imgPart := a.imgCore.ToPart(photo)
	if imgPart == nil {
		return nil, &domain.ValidationError{Field: "photo", Reason: "写真を画像パーツに変換できませんでした"}
	}

	parts := []*genai.Part{imgPart, {Text: prompts.SuggestStylesPrompt}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   styleSchema,
		Temperature:      float32Ptr(a.temperature),
	}

	resp, err := a.aiClient.GenerateContent(ctx, a.model, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, config)
	if err != nil {
		return nil, failSpan(span, domain.NewRemoteModelError(domain.OpSuggest, fmt.Errorf("Gemini画風提案エラー: %w", err)))
	}

	text, err := a.imgCore.ParseToText(resp)
	if err != nil {
		return nil, failSpan(span, domain.NewRemoteModelError(domain.OpSuggest, err))
	}

	styles, err := ParseStyles(text)
	if err != nil {
		return nil, failSpan(span, domain.NewRemoteModelError(domain.OpSuggest, err))
	}

	slog.InfoContext(ctx, "画風の提案を受け取りました", "model", a.model, "count", len(styles))
	span.SetAttributes(attribute.Int("toonify.styles", len(styles)))
	return styles, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ParseStyles はモデルのテキスト応答から画風名のリストを取り出します。
// {"styles": [...]} / [...] の JSON を優先し、それ以外はカンマまたは改行区切りとして扱います。
func ParseStyles(text string) ([]string, error) {
	text = stripCodeFence(strings.TrimSpace(text))
	if text == "" {
		return nil, fmt.Errorf("画風の提案が空でした")
	}

	switch text[0] {
	case '{':
		// キーが無い・null の応答を「提案0件」と区別する
		var out struct {
			Styles *[]string `json:"styles"`
		}
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("画風提案のJSON解析に失敗しました: %w", err)
		}
		if out.Styles == nil {
			return nil, fmt.Errorf("画風提案のJSONに styles がありません: %q", text)
		}
		return domain.CleanStyles(*out.Styles), nil
	case '[':
		var out []string
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("画風提案のJSON解析に失敗しました: %w", err)
		}
		return domain.CleanStyles(out), nil
	}

	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' })
	for i, f := range fields {
		// 箇条書きの記号を落とす
		f = strings.TrimLeft(strings.TrimSpace(f), "-*• ")
		if looksLikeSentence(f) {
			return nil, fmt.Errorf("画風の提案ではなく文章が返されました: %q", text)
		}
		fields[i] = f
	}
	styles := domain.CleanStyles(fields)
	if len(styles) == 0 {
		return nil, fmt.Errorf("画風の提案を解析できませんでした: %q", text)
	}
	return styles, nil
}

const (
	maxStyleNameRunes = 40
	maxStyleNameWords = 5
)

// looksLikeSentence は断り文句や説明文を画風名と取り違えないための判定です。
func looksLikeSentence(field string) bool {
	if field == "null" {
		return true
	}
	if strings.HasSuffix(field, ".") || strings.HasSuffix(field, "!") ||
		strings.HasSuffix(field, "?") || strings.HasSuffix(field, "。") {
		return true
	}
	return utf8.RuneCountInString(field) > maxStyleNameRunes || len(strings.Fields(field)) > maxStyleNameWords
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// ```json のような言語指定を除去
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
