package domain

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// MaxPhotoBytes はアップロード可能な写真の上限サイズ (4 MiB) です。
const MaxPhotoBytes = 4 * 1024 * 1024

const dataURIPrefix = "data:"

// Photo は MIME タイプ付きの画像データです。
// アップロードされた写真と生成結果の両方をこの形で扱います。
type Photo struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// NewPhoto は新しい識別子を払い出して Photo を生成します。
// mimeType が空の場合はバイト列から判定します。
func NewPhoto(data []byte, mimeType string) Photo {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	// "image/png; charset=..." のようなパラメータは落とす
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return Photo{
		ID:       uuid.NewString(),
		MIMEType: strings.TrimSpace(mimeType),
		Data:     data,
	}
}

// Size は画像のバイト数を返します。
func (p Photo) Size() int {
	return len(p.Data)
}

// IsZero は写真が未設定かどうかを返します。
func (p Photo) IsZero() bool {
	return len(p.Data) == 0
}

// Validate はリモート呼び出し前に写真を検証します。
func (p Photo) Validate() error {
	if p.IsZero() {
		return &ValidationError{Field: "photo", Reason: "写真がアップロードされていません"}
	}
	if err := ValidatePhotoSize(int64(p.Size())); err != nil {
		return err
	}
	if !strings.HasPrefix(p.MIMEType, "image/") {
		return &ValidationError{Field: "photo", Reason: fmt.Sprintf("画像ファイルではありません (%s)", p.MIMEType)}
	}
	return nil
}

// ValidatePhotoSize はファイルサイズが上限を超えていないか確認します。
// 本体を読み込む前にヘッダのサイズだけで判定できるよう独立させています。
func ValidatePhotoSize(size int64) error {
	if size > MaxPhotoBytes {
		return &ValidationError{
			Field:    "photo",
			Reason:   "4MB より小さい画像をアップロードしてください",
			TooLarge: true,
		}
	}
	return nil
}

// DataURI は "data:<mimetype>;base64,<data>" 形式の埋め込み参照を返します。
func (p Photo) DataURI() string {
	return dataURIPrefix + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// ParseDataURI は埋め込み参照を Photo に変換します。
func ParseDataURI(uri string) (Photo, error) {
	if !strings.HasPrefix(uri, dataURIPrefix) {
		return Photo{}, &ValidationError{Field: "photo", Reason: "data URI 形式ではありません"}
	}
	header, payload, ok := strings.Cut(uri[len(dataURIPrefix):], ",")
	if !ok {
		return Photo{}, &ValidationError{Field: "photo", Reason: "data URI にデータ部がありません"}
	}
	mimeType, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return Photo{}, &ValidationError{Field: "photo", Reason: "base64 エンコードされた data URI のみ対応しています"}
	}
	// デコード前にエンコード長から上限超過を判定する
	if err := ValidatePhotoSize(int64(base64.StdEncoding.DecodedLen(len(payload))) - 2); err != nil {
		return Photo{}, err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Photo{}, &ValidationError{Field: "photo", Reason: fmt.Sprintf("base64 のデコードに失敗しました: %v", err)}
	}
	if err := ValidatePhotoSize(int64(len(data))); err != nil {
		return Photo{}, err
	}
	return NewPhoto(data, mimeType), nil
}
