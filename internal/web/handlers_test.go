package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
	"github.com/shouni/gemini-toonify-kit/pkg/wizard"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90w\x53\xde")

// --- Fakes ---

type fakeSuggester struct {
	mu     sync.Mutex
	styles []string
	err    error
	calls  int
}

func (f *fakeSuggester) SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.styles, f.err
}

func (f *fakeSuggester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	resp  *domain.SynthesisResponse
	err   error
	calls []domain.SynthesisRequest
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, req domain.SynthesisRequest) (*domain.SynthesisResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func (f *fakeSynthesizer) lastCall() domain.SynthesisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// --- Helpers ---

// apiState は JSON 応答のうちテストで見る項目だけを持つのだ。
type apiState struct {
	ID                string   `json:"id"`
	Step              string   `json:"step"`
	Styles            []string `json:"styles"`
	SuggestionPending bool     `json:"suggestion_pending"`
	SelectedStyle     string   `json:"selected_style"`
	SelectedPalette   string   `json:"selected_palette"`
	Detail            int      `json:"detail"`
	Photo             *struct {
		ID   string `json:"id"`
		Size int    `json:"size"`
	} `json:"photo"`
	Result *struct {
		ID string `json:"id"`
	} `json:"result"`
	Notifications []struct {
		Level string `json:"level"`
		Title string `json:"title"`
	} `json:"notifications"`
}

type apiError struct {
	Error string    `json:"error"`
	Kind  string    `json:"kind"`
	State *apiState `json:"state"`
}

type testEnv struct {
	server   *httptest.Server
	sessions *SessionStore
	suggest  *fakeSuggester
	synth    *fakeSynthesizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		suggest: &fakeSuggester{styles: []string{"Anime", "Noir", "Comic Book"}},
		synth: &fakeSynthesizer{
			resp: &domain.SynthesisResponse{Image: domain.NewPhoto(append([]byte(nil), pngBytes...), "image/png")},
		},
	}
	env.sessions = NewSessionStore(func() (*wizard.Controller, error) {
		return wizard.NewController(env.suggest, env.synth, wizard.Options{SuggestTimeout: time.Second})
	}, time.Hour, time.Minute)
	env.server = httptest.NewServer(NewRouter(NewHandlers(env.sessions), []string{"*"}))
	t.Cleanup(func() {
		env.server.Close()
		env.sessions.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/sessions", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decode[apiState](t, resp)
	require.NotEmpty(t, st.ID)
	assert.Equal(t, "awaiting-upload", st.Step)
	return st.ID
}

func (e *testEnv) state(t *testing.T, id string) apiState {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[apiState](t, resp)
}

func (e *testEnv) waitSuggestions(t *testing.T, id string) apiState {
	t.Helper()
	var st apiState
	require.Eventually(t, func() bool {
		st = e.state(t, id)
		return !st.SuggestionPending
	}, 2*time.Second, 10*time.Millisecond)
	return st
}

func multipartPhoto(t *testing.T, data []byte) (string, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("photo", "me.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), buf
}

func photoOfSize(n int) []byte {
	data := make([]byte, n)
	copy(data, pngBytes)
	return data
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// --- Tests ---

func TestWizardFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	base := "/api/sessions/" + id

	ct, body := multipartPhoto(t, photoOfSize(2*1024*1024))
	resp := env.do(t, http.MethodPost, base+"/photo", ct, body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st := decode[apiState](t, resp)
	assert.Equal(t, "choosing-style", st.Step)
	require.NotNil(t, st.Photo)
	assert.Equal(t, 2*1024*1024, st.Photo.Size)

	st = env.waitSuggestions(t, id)
	assert.Equal(t, []string{"Anime", "Noir", "Comic Book", "Classic Comic", "Pixar 3D", "Chibi", "Abstract Art", "South Park"}, st.Styles, "提案が先で既定が後ろ、重複は除かれるのだ")

	resp = env.postJSON(t, base+"/style", `{"style":"Noir"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "choosing-palette", decode[apiState](t, resp).Step)

	resp = env.postJSON(t, base+"/palette", `{"palette":"oceanic"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[apiState](t, resp)
	assert.Equal(t, "choosing-detail", st.Step)
	assert.Equal(t, "Oceanic", st.SelectedPalette)
	assert.Equal(t, domain.DetailDefault, st.Detail)

	resp = env.postJSON(t, base+"/synthesize", `{"detail":70}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[apiState](t, resp)
	assert.Equal(t, "showing-result", st.Step)
	require.NotNil(t, st.Result)

	require.Equal(t, 1, env.synth.callCount())
	req := env.synth.lastCall()
	assert.Equal(t, "Noir", req.Style)
	assert.Equal(t, domain.PaletteOceanic, req.Palette)
	assert.Equal(t, 70, req.Detail)

	resp = env.do(t, http.MethodGet, base+"/download", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=toonified-image.png`, resp.Header.Get("Content-Disposition"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)

	resp = env.postJSON(t, base+"/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[apiState](t, resp)
	assert.Equal(t, "awaiting-upload", st.Step)
	assert.Nil(t, st.Photo)
	assert.Nil(t, st.Result)
}

func TestUploadPhoto(t *testing.T) {
	t.Run("4MiBを超える写真は413で状態は変わらない", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		ct, body := multipartPhoto(t, photoOfSize(domain.MaxPhotoBytes+1))
		resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", ct, body)
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		apiErr := decode[apiError](t, resp)
		assert.Equal(t, "validation", apiErr.Kind)
		require.NotNil(t, apiErr.State)
		assert.Equal(t, "awaiting-upload", apiErr.State.Step)
		assert.Equal(t, 0, env.suggest.callCount(), "リモート呼び出しは行われないのだ")
	})

	t.Run("ちょうど4MiBは受け付ける", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		ct, body := multipartPhoto(t, photoOfSize(domain.MaxPhotoBytes))
		resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", ct, body)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("JSONのdata URIでもアップロードできる", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		uri := domain.NewPhoto(pngBytes, "image/png").DataURI()
		resp := env.postJSON(t, "/api/sessions/"+id+"/photo", `{"photo":"`+uri+`"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "choosing-style", decode[apiState](t, resp).Step)
	})

	t.Run("画像以外は400", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		ct, body := multipartPhoto(t, []byte("just some text, not an image"))
		resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", ct, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("未対応のContent-Typeは400", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", "text/plain", strings.NewReader("hello"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSuggestionFailureFallsBackToDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.suggest.err = domain.NewRemoteModelError(domain.OpSuggest, errors.New("quota exceeded"))
	id := env.createSession(t)

	ct, body := multipartPhoto(t, pngBytes)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", ct, body).StatusCode)

	st := env.waitSuggestions(t, id)
	assert.Equal(t, "choosing-style", st.Step)
	assert.Equal(t, domain.DefaultStyles, st.Styles)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, "AI failed to suggest styles", st.Notifications[0].Title)

	resp := env.postJSON(t, "/api/sessions/"+id+"/style", `{"style":"`+domain.DefaultStyles[0]+`"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	t.Run("不正な遷移は409", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		resp := env.postJSON(t, "/api/sessions/"+id+"/palette", `{"palette":"Pastel"}`)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		apiErr := decode[apiError](t, resp)
		assert.Equal(t, "transition", apiErr.Kind)
		assert.Equal(t, "awaiting-upload", apiErr.State.Step)
	})

	t.Run("存在しないセッションは404", func(t *testing.T) {
		env := newTestEnv(t)

		resp := env.do(t, http.MethodGet, "/api/sessions/nope", "", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", decode[apiError](t, resp).Kind)

		resp = env.do(t, http.MethodDelete, "/api/sessions/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("不明なパレットと範囲外の線画レベルは400", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)
		base := "/api/sessions/" + id

		ct, body := multipartPhoto(t, pngBytes)
		require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, base+"/photo", ct, body).StatusCode)
		env.waitSuggestions(t, id)
		require.Equal(t, http.StatusOK, env.postJSON(t, base+"/style", `{"style":"Anime"}`).StatusCode)

		assert.Equal(t, http.StatusBadRequest, env.postJSON(t, base+"/palette", `{"palette":"Neon"}`).StatusCode)
		require.Equal(t, http.StatusOK, env.postJSON(t, base+"/palette", `{"palette":"Pastel"}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, env.postJSON(t, base+"/detail", `{"detail":101}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, env.postJSON(t, base+"/detail", `{}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, env.postJSON(t, base+"/detail", `{"detail":`).StatusCode)
	})

	t.Run("写真がなければダウンロードできない", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createSession(t)

		resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/download", "", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestSynthesize_RemoteFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.synth.resp = nil
	env.synth.err = domain.NewRemoteModelError(domain.OpSynthesize, errors.New("model overloaded"))
	id := env.createSession(t)
	base := "/api/sessions/" + id

	ct, body := multipartPhoto(t, pngBytes)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, base+"/photo", ct, body).StatusCode)
	env.waitSuggestions(t, id)
	require.Equal(t, http.StatusOK, env.postJSON(t, base+"/style", `{"style":"Anime"}`).StatusCode)
	require.Equal(t, http.StatusOK, env.postJSON(t, base+"/palette", `{"palette":"Monochrome"}`).StatusCode)

	resp := env.postJSON(t, base+"/synthesize", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	apiErr := decode[apiError](t, resp)
	assert.Equal(t, "remote", apiErr.Kind)
	require.NotNil(t, apiErr.State)
	assert.Equal(t, "choosing-detail", apiErr.State.Step)
	assert.Nil(t, apiErr.State.Result)
	require.NotEmpty(t, apiErr.State.Notifications)
	assert.Equal(t, "Generation failed", apiErr.State.Notifications[len(apiErr.State.Notifications)-1].Title)

	// 再試行できるのだ
	env.synth.mu.Lock()
	env.synth.err = nil
	env.synth.resp = &domain.SynthesisResponse{Image: domain.NewPhoto(pngBytes, "image/png")}
	env.synth.mu.Unlock()
	resp = env.postJSON(t, base+"/synthesize", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "showing-result", decode[apiState](t, resp).Step)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)
	require.Equal(t, 1, env.sessions.Len())

	resp := env.do(t, http.MethodDelete, "/api/sessions/"+id, "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, env.sessions.Len())

	resp = env.do(t, http.MethodGet, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStore_Expires(t *testing.T) {
	store := NewSessionStore(func() (*wizard.Controller, error) {
		return wizard.NewController(&fakeSuggester{}, &fakeSynthesizer{}, wizard.Options{})
	}, 50*time.Millisecond, 10*time.Millisecond)
	defer store.Close()

	id, ctrl, err := store.Create()
	require.NoError(t, err)
	_, ok := store.Get(id)
	require.True(t, ok)

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
	_, ok = store.Get(id)
	assert.False(t, ok)
	assert.ErrorIs(t, ctrl.Reset(), wizard.ErrClosed, "期限切れのセッションは閉じられるのだ")
}

func TestSessionStore_ClosedControllerIsNotRevived(t *testing.T) {
	store := NewSessionStore(func() (*wizard.Controller, error) {
		return wizard.NewController(&fakeSuggester{}, &fakeSynthesizer{}, wizard.Options{})
	}, time.Minute, time.Minute)
	defer store.Close()

	id, ctrl, err := store.Create()
	require.NoError(t, err)
	ctrl.Close()

	got, ok := store.Get(id)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, 0, store.Len(), "閉じたセッションをストアに戻してはいけないのだ")

	_, ok = store.Get(id)
	assert.False(t, ok)
}

func TestSessionStore_FactoryError(t *testing.T) {
	store := NewSessionStore(func() (*wizard.Controller, error) {
		return nil, errors.New("no synthesizer")
	}, time.Minute, time.Minute)
	defer store.Close()

	_, _, err := store.Create()
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestStaticEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]interface{}](t, resp)["status"])

	resp = env.do(t, http.MethodGet, "/api/palettes", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	palettes := decode[[]domain.PaletteOption](t, resp)
	assert.Equal(t, domain.Palettes(), palettes)

	resp = env.do(t, http.MethodGet, "/api/styles/default", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.DefaultStyles, decode[[]string](t, resp))
}

func TestCORS(t *testing.T) {
	h := NewHandlers(NewSessionStore(func() (*wizard.Controller, error) { return nil, nil }, time.Minute, time.Minute))
	router := NewRouter(h, []string{"https://toonify.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://toonify.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://toonify.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	type event struct {
		Type      string   `json:"type"`
		SessionID string   `json:"session_id"`
		Data      apiState `json:"data"`
	}
	read := func() event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	first := read()
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, id, first.SessionID)
	assert.Equal(t, "awaiting-upload", first.Data.Step)

	ct, body := multipartPhoto(t, pngBytes)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/sessions/"+id+"/photo", ct, body).StatusCode)

	// 古い Snapshot は間引かれるので、提案が反映されるまで読み進める
	for {
		ev := read()
		if ev.Data.Step == "choosing-style" && !ev.Data.SuggestionPending {
			assert.Contains(t, ev.Data.Styles, "Noir")
			break
		}
	}

	// セッションを破棄すると接続は閉じられる
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/sessions/"+id, "", nil).StatusCode)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err: %v", err)
}
