package domain

import "strings"

const (
	// DetailMin は線画の最も柔らかいレベルです。
	DetailMin = 0
	// DetailMax は線画の最も太く精細なレベルです。
	DetailMax = 100
	// DetailDefault はスライダーの初期値です。
	DetailDefault = 50
)

// SynthesisRequest は漫画風画像の生成要求です。
type SynthesisRequest struct {
	Photo   Photo
	Style   string
	Palette Palette
	Detail  int // 0(柔らかい) 〜 100(太く精細)
}

// Validate はリモート呼び出し前に要求の整合性を検証します。
func (r SynthesisRequest) Validate() error {
	if err := r.Photo.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Style) == "" {
		return &ValidationError{Field: "style", Reason: "画風が選択されていません"}
	}
	if !r.Palette.Valid() {
		return &ValidationError{Field: "palette", Reason: "不明なパレットです: " + string(r.Palette)}
	}
	return ValidateDetail(r.Detail)
}

// SynthesisResponse は生成された画像を1枚だけ保持します。
type SynthesisResponse struct {
	Image Photo
}

// ValidateDetail は線画レベルが [0,100] に収まっていることを確認します。
func ValidateDetail(level int) error {
	if level < DetailMin || level > DetailMax {
		return &ValidationError{Field: "detail", Reason: "線画レベルは0〜100の範囲で指定してください"}
	}
	return nil
}
