package domain

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

func TestMergeStyles(t *testing.T) {
	t.Run("提案の後ろにデフォルトが続き、重複は最初の位置だけ残るのだ", func(t *testing.T) {
		got := MergeStyles([]string{"Anime", "Noir"})
		assert.Equal(t, []string{"Anime", "Noir", "Classic Comic", "Pixar 3D", "Chibi", "Abstract Art", "South Park"}, got)
	})

	t.Run("提案が空ならデフォルトだけになるのだ", func(t *testing.T) {
		assert.Equal(t, DefaultStyles, MergeStyles(nil))
	})

	t.Run("提案内の重複と空白も取り除かれるのだ", func(t *testing.T) {
		got := MergeStyles([]string{" Noir ", "Noir", "", "Chibi"})
		assert.Equal(t, []string{"Noir", "Chibi", "Classic Comic", "Anime", "Pixar 3D", "Abstract Art", "South Park"}, got)
	})
}

func TestCleanStyles(t *testing.T) {
	got := CleanStyles([]string{` "Noir" `, "", "  ", "Anime"})
	assert.Equal(t, []string{"Noir", "Anime"}, got)
}

func TestParsePalette(t *testing.T) {
	p, err := ParsePalette("oceanic")
	require.NoError(t, err)
	assert.Equal(t, PaletteOceanic, p)

	_, err = ParsePalette("Sepia")
	assert.True(t, IsValidation(err))
}

func TestPalettes_ReturnsCopy(t *testing.T) {
	ps := Palettes()
	require.Len(t, ps, 4)
	ps[0].Colors[0] = "#000000"
	assert.Equal(t, "#FF69B4", Palettes()[0].Colors[0])
}

func TestPhoto_DataURIRoundTrip(t *testing.T) {
	p := NewPhoto(pngHeader, "")
	assert.Equal(t, "image/png", p.MIMEType)
	assert.NotEmpty(t, p.ID)
	assert.True(t, strings.HasPrefix(p.DataURI(), "data:image/png;base64,"))

	parsed, err := ParseDataURI(p.DataURI())
	require.NoError(t, err)
	assert.Equal(t, p.MIMEType, parsed.MIMEType)
	assert.True(t, bytes.Equal(p.Data, parsed.Data))
	assert.NotEqual(t, p.ID, parsed.ID, "パースのたびに新しい識別子になるのだ")
}

func TestParseDataURI_Invalid(t *testing.T) {
	cases := map[string]string{
		"prefix":  "image/png;base64,AAAA",
		"noComma": "data:image/png;base64",
		"noB64":   "data:image/png,AAAA",
		"badB64":  "data:image/png;base64,@@@@",
	}
	for name, uri := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDataURI(uri)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestPhoto_Validate(t *testing.T) {
	t.Run("4MiBちょうどは受け付けるのだ", func(t *testing.T) {
		data := append(append([]byte(nil), pngHeader...), make([]byte, MaxPhotoBytes-len(pngHeader))...)
		assert.NoError(t, NewPhoto(data, "image/png").Validate())
	})

	t.Run("4MiBを1バイトでも超えると拒否するのだ", func(t *testing.T) {
		err := NewPhoto(make([]byte, MaxPhotoBytes+1), "image/png").Validate()
		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.True(t, ve.TooLarge)
	})

	t.Run("画像以外のMIMEタイプは拒否するのだ", func(t *testing.T) {
		err := NewPhoto([]byte("hello"), "text/plain").Validate()
		assert.True(t, IsValidation(err))
	})

	t.Run("空の写真は拒否するのだ", func(t *testing.T) {
		assert.True(t, IsValidation(Photo{}.Validate()))
	})
}

func TestSynthesisRequest_Validate(t *testing.T) {
	base := SynthesisRequest{
		Photo:   NewPhoto(pngHeader, "image/png"),
		Style:   "Anime",
		Palette: PaletteOceanic,
		Detail:  70,
	}
	require.NoError(t, base.Validate())

	for _, level := range []int{-1, 101} {
		r := base
		r.Detail = level
		assert.True(t, IsValidation(r.Validate()), "detail=%d", level)
	}

	r := base
	r.Style = "  "
	assert.True(t, IsValidation(r.Validate()))

	r = base
	r.Palette = "Sepia"
	assert.True(t, IsValidation(r.Validate()))
}

func TestRemoteModelError(t *testing.T) {
	cause := errors.New("boom")
	err := NewRemoteModelError(OpSynthesize, cause)
	assert.True(t, IsRemote(err))
	assert.ErrorIs(t, err, cause)

	again := NewRemoteModelError(OpSuggest, err)
	assert.Same(t, err, again, "二重に包まないのだ")
	assert.Nil(t, NewRemoteModelError(OpSuggest, nil))
}
