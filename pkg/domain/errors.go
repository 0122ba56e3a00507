package domain

import (
	"errors"
	"fmt"
)

// ErrNoImage はリモート呼び出しが成功したのに画像が含まれていなかったことを示します。
// 空の成功としては扱わず、必ず RemoteModelError として返します。
var ErrNoImage = errors.New("画像データが見つかりませんでした")

// リモート操作の名前
const (
	OpSuggest    = "suggest"
	OpSynthesize = "synthesize"
)

// ValidationError はリモート呼び出し前に検出された入力エラーです。
type ValidationError struct {
	Field    string
	Reason   string
	TooLarge bool // サイズ上限超過
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("入力エラー (%s): %s", e.Field, e.Reason)
}

// RemoteModelError はリモートモデルの呼び出し失敗、または使えない応答を表します。
type RemoteModelError struct {
	Op  string
	Err error
}

func (e *RemoteModelError) Error() string {
	return fmt.Sprintf("リモートモデルエラー (%s): %v", e.Op, e.Err)
}

func (e *RemoteModelError) Unwrap() error {
	return e.Err
}

// NewRemoteModelError は err を RemoteModelError で包みます。
// 既に RemoteModelError の場合は二重に包みません。
func NewRemoteModelError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rme *RemoteModelError
	if errors.As(err, &rme) {
		return err
	}
	return &RemoteModelError{Op: op, Err: err}
}

// IsValidation は err が ValidationError かどうかを返します。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRemote は err が RemoteModelError かどうかを返します。
func IsRemote(err error) bool {
	var rme *RemoteModelError
	return errors.As(err, &rme)
}
