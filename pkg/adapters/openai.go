package adapters

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
	"github.com/shouni/gemini-toonify-kit/pkg/prompts"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

// ChatCompleter は go-openai の *openai.Client が満たすチャット補完のインターフェースです。
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIStyleSuggester は OpenAI 互換のビジョンモデルで画風を提案するアダプターです。
// 写真は data URI のまま image_url として渡します。
type OpenAIStyleSuggester struct {
	client ChatCompleter
	model  string
}

// NewOpenAIStyleSuggester は OpenAIStyleSuggester を初期化します。
func NewOpenAIStyleSuggester(client ChatCompleter, model string) (*OpenAIStyleSuggester, error) {
	if client == nil {
		return nil, fmt.Errorf("client (ChatCompleter) is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIStyleSuggester{client: client, model: model}, nil
}

// SuggestStyles は写真を解析させ、画風名の順序付きリストを返します。
func (a *OpenAIStyleSuggester) SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error) {
	if err := photo.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "toonify.SuggestStyles")
	defer span.End()
	span.SetAttributes(attribute.String("openai.model", a.model))

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompts.SuggestStylesPrompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    photo.DataURI(),
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, failSpan(span, domain.NewRemoteModelError(domain.OpSuggest, fmt.Errorf("OpenAI画風提案エラー: %w", err)))
	}
	if len(resp.Choices) == 0 {
		return nil, failSpan(span, domain.NewRemoteModelError(domain.OpSuggest, fmt.Errorf("OpenAIからの有効な応答がありませんでした")))
	}

	styles, err := ParseStyles(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, failSpan(span, domain.NewRemoteModelError(domain.OpSuggest, err))
	}

	slog.InfoContext(ctx, "画風の提案を受け取りました", "model", a.model, "count", len(styles))
	return styles, nil
}
