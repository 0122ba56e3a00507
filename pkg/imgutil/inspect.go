package imgutil

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Info は画像ヘッダから読み取った情報です。
type Info struct {
	Format   string
	MIMEType string
	Width    int
	Height   int
}

// Inspect は画像全体をデコードせず、ヘッダだけから形式と寸法を判定します。
// image.DecodeConfig が対応する PNG, GIF, JPEG を扱えます。
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("画像ヘッダの解析に失敗しました: %w", err)
	}
	return Info{
		Format:   format,
		MIMEType: "image/" + format,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
