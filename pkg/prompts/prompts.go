package prompts

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
)

// SuggestStylesPrompt は写真に合う画風を尋ねる固定プロンプトです。
const SuggestStylesPrompt = `You are an AI expert in image analysis and cartoon style suggestion.

Based on the photo provided, suggest a list of cartoon styles that would be most suitable for the image.
Consider the content, composition, and overall aesthetic of the photo when making your suggestions.
Respond with a JSON object of the form {"styles": ["<style>", ...]} containing 3 to 6 short style names.`

const synthesisTemplate = `Generate an image of the subject in a cartoon style.
Style: {{.Style}}.
Color Palette: {{.Palette}}.
Line Art Detail: {{.Detail}}/100.`

var synthesisTmpl = template.Must(template.New("synthesis").Parse(synthesisTemplate))

// SynthesisData は生成プロンプトのテンプレートに渡すデータです。
type SynthesisData struct {
	Style   string
	Palette domain.Palette
	Detail  int
}

// BuildSynthesisPrompt は画風・パレット・線画レベルを決定的にプロンプトへ埋め込みます。
func BuildSynthesisPrompt(req domain.SynthesisRequest) (string, error) {
	var buf bytes.Buffer
	data := SynthesisData{Style: req.Style, Palette: req.Palette, Detail: req.Detail}
	if err := synthesisTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("生成プロンプトの組み立てに失敗しました: %w", err)
	}
	return buf.String(), nil
}
