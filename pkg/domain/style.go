package domain

import "strings"

// DefaultStyles は提案が得られなかった場合にも常に表示される画風です。
var DefaultStyles = []string{
	"Classic Comic",
	"Anime",
	"Pixar 3D",
	"Chibi",
	"Abstract Art",
	"South Park",
}

// Palette は配色の名前です。モデルへはこの名前だけが送られます。
type Palette string

const (
	PaletteVibrant    Palette = "Vibrant"
	PalettePastel     Palette = "Pastel"
	PaletteMonochrome Palette = "Monochrome"
	PaletteOceanic    Palette = "Oceanic"
)

// PaletteOption は UI 表示用のスウォッチ付きパレットです。
type PaletteOption struct {
	Name   Palette  `json:"name"`
	Colors []string `json:"colors"`
}

var paletteOptions = []PaletteOption{
	{Name: PaletteVibrant, Colors: []string{"#FF69B4", "#FF4500", "#FFD700", "#4CAF50"}},
	{Name: PalettePastel, Colors: []string{"#a8e6cf", "#dcedc1", "#ffd3b6", "#ffaaa5"}},
	{Name: PaletteMonochrome, Colors: []string{"#2c2c2c", "#6a6a6a", "#ababab", "#e0e0e0"}},
	{Name: PaletteOceanic, Colors: []string{"#0077b6", "#00b4d8", "#90e0ef", "#caf0f8"}},
}

// Palettes は固定4種のパレットを表示順で返します。
func Palettes() []PaletteOption {
	out := make([]PaletteOption, len(paletteOptions))
	for i, p := range paletteOptions {
		out[i] = PaletteOption{Name: p.Name, Colors: append([]string(nil), p.Colors...)}
	}
	return out
}

// Valid はパレットが固定セットに含まれるかを返します。
func (p Palette) Valid() bool {
	for _, opt := range paletteOptions {
		if opt.Name == p {
			return true
		}
	}
	return false
}

// ParsePalette は大文字小文字を無視してパレット名を解決します。
func ParsePalette(name string) (Palette, error) {
	name = strings.TrimSpace(name)
	for _, opt := range paletteOptions {
		if strings.EqualFold(string(opt.Name), name) {
			return opt.Name, nil
		}
	}
	return "", &ValidationError{Field: "palette", Reason: "不明なパレットです: " + name}
}

// MergeStyles は提案された画風の後ろにデフォルトを連結し、
// 最初に現れた順序を保ったまま値の重複を取り除きます。
func MergeStyles(suggested []string) []string {
	seen := make(map[string]struct{}, len(suggested)+len(DefaultStyles))
	merged := make([]string, 0, len(suggested)+len(DefaultStyles))
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	for _, s := range suggested {
		add(s)
	}
	for _, s := range DefaultStyles {
		add(s)
	}
	return merged
}

// CleanStyles はモデルの返した画風名を整形します（前後空白と空要素の除去）。
// 重複はここでは取り除きません。
func CleanStyles(styles []string) []string {
	out := make([]string, 0, len(styles))
	for _, s := range styles {
		s = strings.Trim(strings.TrimSpace(s), `"'`)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
