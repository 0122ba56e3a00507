package adapters

import (
	"context"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// PNGの最小構成バイナリ（シグネチャ含む）
var validPng = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

func testPhoto() domain.Photo {
	return domain.NewPhoto(validPng, "image/png")
}

// mockImageCore は ImageGeneratorCore インターフェースのテスト用モックなのだ。
type mockImageCore struct {
	toPartFunc func(photo domain.Photo) *genai.Part
	parseFunc  func(resp *genai.GenerateContentResponse) (*ImageOutput, error)
	textFunc   func(resp *genai.GenerateContentResponse) (string, error)
}

func (m *mockImageCore) ToPart(photo domain.Photo) *genai.Part {
	if m.toPartFunc != nil {
		return m.toPartFunc(photo)
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: photo.MIMEType, Data: photo.Data}}
}

func (m *mockImageCore) ParseToResponse(resp *genai.GenerateContentResponse) (*ImageOutput, error) {
	if m.parseFunc != nil {
		return m.parseFunc(resp)
	}
	return nil, nil
}

func (m *mockImageCore) ParseToText(resp *genai.GenerateContentResponse) (string, error) {
	if m.textFunc != nil {
		return m.textFunc(resp)
	}
	return "", nil
}

// mockAIClient は ContentGenerator のテスト用モックなのだ。
type mockAIClient struct {
	calls        int
	generateFunc func(model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockAIClient) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.calls++
	if m.generateFunc != nil {
		return m.generateFunc(model, contents, config)
	}
	return &genai.GenerateContentResponse{}, nil
}

// mockPartsClient は PartsGenerator のテスト用モックなのだ。
type mockPartsClient struct {
	calls        int
	generateFunc func(model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

func (m *mockPartsClient) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	m.calls++
	if m.generateFunc != nil {
		return m.generateFunc(model, parts, opts)
	}
	return &gemini.Response{RawResponse: &genai.GenerateContentResponse{}}, nil
}

// mockChatClient は ChatCompleter のテスト用モックなのだ。
type mockChatClient struct {
	completeFunc func(req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return m.completeFunc(req)
}

// mockSuggester は StyleSuggester のテスト用モックなのだ。
type mockSuggester struct {
	calls  int
	styles []string
	err    error
}

func (m *mockSuggester) SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error) {
	m.calls++
	return m.styles, m.err
}

// mockCache は ImageCacher インターフェースを実装するのだ。
type mockCache struct {
	data map[string]interface{}
}

func (m *mockCache) Get(key string) (interface{}, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *mockCache) Set(key string, value interface{}, d time.Duration) {
	if m.data == nil {
		m.data = make(map[string]interface{})
	}
	m.data[key] = value
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
	}
}
