package imgutil

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
)

// テスト用のダミー画像（12x8の赤い長方形）を作成するヘルパー
func createDummyImageData(t *testing.T, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for x := 0; x < 12; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{255, 0, 0, 255})
		}
	}

	buf := new(bytes.Buffer)
	var err error
	switch format {
	case "png":
		err = png.Encode(buf, img)
	case "jpeg":
		err = jpeg.Encode(buf, img, nil)
	case "gif":
		err = gif.Encode(buf, img, nil)
	default:
		t.Fatalf("unsupported format: %s", format)
	}

	if err != nil {
		t.Fatalf("failed to encode dummy image: %v", err)
	}
	return buf.Bytes()
}

func TestInspect(t *testing.T) {
	for _, format := range []string{"png", "jpeg", "gif"} {
		t.Run(format+"の形式と寸法を判定できること", func(t *testing.T) {
			info, err := Inspect(createDummyImageData(t, format))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Format != format || info.MIMEType != "image/"+format {
				t.Errorf("unexpected format: %+v", info)
			}
			if info.Width != 12 || info.Height != 8 {
				t.Errorf("expected 12x8, got %dx%d", info.Width, info.Height)
			}
		})
	}

	t.Run("不正なデータの場合にエラーを返すこと", func(t *testing.T) {
		if _, err := Inspect([]byte("this is not an image")); err == nil {
			t.Error("expected error for invalid data, but got nil")
		}
	})

	t.Run("空のデータの場合にエラーを返すこと", func(t *testing.T) {
		if _, err := Inspect(nil); err == nil {
			t.Error("expected error for empty data, but got nil")
		}
	})
}
