package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
	"github.com/shouni/gemini-toonify-kit/pkg/wizard"

	"github.com/go-chi/chi/v5"
)

const (
	// multipart のヘッダや境界分の余裕
	multipartOverhead = 1 << 20
	// data URI は base64 で約 4/3 倍になる
	maxJSONUploadBytes = domain.MaxPhotoBytes/3*4 + multipartOverhead
	maxActionBodyBytes = 64 << 10
)

// Handlers はウィザード API の HTTP ハンドラー群です。
// セッション ID から Controller を引き、操作の結果を Snapshot で返します。
type Handlers struct {
	sessions *SessionStore
}

// NewHandlers は Handlers を生成します。
func NewHandlers(sessions *SessionStore) *Handlers {
	return &Handlers{sessions: sessions}
}

type sessionResponse struct {
	ID string `json:"id"`
	wizard.Snapshot
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  string           `json:"kind"`
	State *wizard.Snapshot `json:"state,omitempty"`
}

// HealthCheck はプロセスの生存と保持セッション数を返すのだ。
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "toonify",
		"sessions": h.sessions.Len(),
	})
}

func (h *Handlers) ListPalettes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.Palettes())
}

func (h *Handlers) DefaultStyles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.DefaultStyles)
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, ctrl, err := h.sessions.Create()
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	slog.InfoContext(r.Context(), "セッションを作成しました", "session_id", id)
	writeJSON(w, http.StatusCreated, sessionResponse{ID: id, Snapshot: ctrl.Snapshot()})
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: ctrl.Snapshot()})
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Delete(chi.URLParam(r, "sessionID")) {
		writeError(w, r, errSessionNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadPhoto は multipart の "photo" フィールド、または JSON の data URI を受け付けます。
// 4MiB を超えるファイルは本文を読み込む前に拒否します。
func (h *Handlers) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}

	photo, err := readPhoto(w, r)
	if err != nil {
		writeError(w, r, err, snapshotPtr(ctrl))
		return
	}

	if err := ctrl.Upload(r.Context(), photo); err != nil {
		writeError(w, r, err, snapshotPtr(ctrl))
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{ID: id, Snapshot: ctrl.Snapshot()})
}

func readPhoto(w http.ResponseWriter, r *http.Request) (domain.Photo, error) {
	if r.ContentLength > maxJSONUploadBytes {
		return domain.Photo{}, domain.ValidatePhotoSize(r.ContentLength)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, domain.MaxPhotoBytes+multipartOverhead)
		if err := r.ParseMultipartForm(domain.MaxPhotoBytes + multipartOverhead); err != nil {
			return domain.Photo{}, bodyError(err)
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("photo")
		if err != nil {
			return domain.Photo{}, &domain.ValidationError{Field: "photo", Reason: "photo フィールドがありません"}
		}
		defer file.Close()

		if err := domain.ValidatePhotoSize(header.Size); err != nil {
			return domain.Photo{}, err
		}
		data, err := io.ReadAll(io.LimitReader(file, domain.MaxPhotoBytes+1))
		if err != nil {
			return domain.Photo{}, fmt.Errorf("アップロードの読み込みに失敗しました: %w", err)
		}
		if err := domain.ValidatePhotoSize(int64(len(data))); err != nil {
			return domain.Photo{}, err
		}
		// ブラウザ申告の Content-Type より中身の判定を優先する
		return domain.NewPhoto(data, ""), nil

	case "application/json":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONUploadBytes)
		var body struct {
			Photo string `json:"photo"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return domain.Photo{}, bodyError(err)
		}
		return domain.ParseDataURI(body.Photo)

	default:
		return domain.Photo{}, &domain.ValidationError{Field: "photo", Reason: "multipart/form-data か application/json で送信してください"}
	}
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) || errors.Is(err, multipart.ErrMessageTooLarge) {
		return domain.ValidatePhotoSize(domain.MaxPhotoBytes + 1)
	}
	return &domain.ValidationError{Field: "body", Reason: err.Error()}
}

func (h *Handlers) SelectStyle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Style string `json:"style"`
	}
	h.action(w, r, &body, func(ctrl *wizard.Controller) error {
		return ctrl.SelectStyle(body.Style)
	})
}

func (h *Handlers) SelectPalette(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Palette string `json:"palette"`
	}
	h.action(w, r, &body, func(ctrl *wizard.Controller) error {
		palette, err := domain.ParsePalette(body.Palette)
		if err != nil {
			return err
		}
		return ctrl.SelectPalette(palette)
	})
}

func (h *Handlers) SetDetail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Detail *int `json:"detail"`
	}
	h.action(w, r, &body, func(ctrl *wizard.Controller) error {
		if body.Detail == nil {
			return &domain.ValidationError{Field: "detail", Reason: "detail を指定してください"}
		}
		return ctrl.SetDetail(*body.Detail)
	})
}

func (h *Handlers) GoBack(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, nil, func(ctrl *wizard.Controller) error {
		return ctrl.GoBack()
	})
}

func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, nil, func(ctrl *wizard.Controller) error {
		return ctrl.Reset()
	})
}

// Synthesize は生成が終わるまで応答を返しません。失敗時は 502 と巻き戻った状態を返します。
// 一度始めた生成はクライアントが切断しても最後まで実行します。
func (h *Handlers) Synthesize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Detail *int `json:"detail"`
	}
	h.action(w, r, &body, func(ctrl *wizard.Controller) error {
		_, err := ctrl.Synthesize(context.WithoutCancel(r.Context()), body.Detail)
		return err
	})
}

func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	_, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	photo, err := ctrl.Download()
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", photo.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(photo.Size()))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": wizard.DownloadFileName}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(photo.Data); err != nil {
		slog.WarnContext(r.Context(), "画像の送信に失敗しました", "error", err)
	}
}

// action はセッションを取得し、任意の JSON 本文を読み、操作後の状態を返す共通処理です。
func (h *Handlers) action(w http.ResponseWriter, r *http.Request, body interface{}, fn func(*wizard.Controller) error) {
	id, ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	if body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxActionBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, &domain.ValidationError{Field: "body", Reason: err.Error()}, snapshotPtr(ctrl))
			return
		}
	}
	if err := fn(ctrl); err != nil {
		writeError(w, r, err, snapshotPtr(ctrl))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: ctrl.Snapshot()})
}

var errSessionNotFound = errors.New("セッションが見つかりません")

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (string, *wizard.Controller, bool) {
	id := chi.URLParam(r, "sessionID")
	ctrl, ok := h.sessions.Get(id)
	if !ok {
		writeError(w, r, errSessionNotFound, nil)
		return id, nil, false
	}
	return id, ctrl, true
}

func snapshotPtr(ctrl *wizard.Controller) *wizard.Snapshot {
	snap := ctrl.Snapshot()
	return &snap
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("レスポンスのエンコードに失敗しました", "error", err)
	}
}

// writeError はエラーの種類を HTTP ステータスに対応付けます。
func writeError(w http.ResponseWriter, r *http.Request, err error, state *wizard.Snapshot) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "リクエストの処理に失敗しました", "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.InfoContext(r.Context(), "リクエストを拒否しました", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, State: state})
}

func classify(err error) (int, string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		if ve.TooLarge {
			return http.StatusRequestEntityTooLarge, "validation"
		}
		return http.StatusBadRequest, "validation"
	case errors.Is(err, wizard.ErrInvalidTransition):
		return http.StatusConflict, "transition"
	case errors.Is(err, errSessionNotFound), errors.Is(err, wizard.ErrClosed):
		return http.StatusNotFound, "not_found"
	case domain.IsRemote(err):
		return http.StatusBadGateway, "remote"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
