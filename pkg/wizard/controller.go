package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"

	"go.uber.org/atomic"
)

// StyleSuggester は写真から画風名を提案する外部サービスです。
type StyleSuggester interface {
	SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error)
}

// Synthesizer は漫画風画像を生成する外部サービスです。
type Synthesizer interface {
	Synthesize(ctx context.Context, req domain.SynthesisRequest) (*domain.SynthesisResponse, error)
}

// ErrClosed は閉じられたセッションへの操作を示します。
var ErrClosed = errors.New("セッションは終了しています")

// Snapshot は表示層に渡すセッションの読み取り専用ビューです。
type Snapshot struct {
	Revision          uint64                 `json:"revision"`
	Step              Step                   `json:"step"`
	Photo             *PhotoView             `json:"photo,omitempty"`
	Styles            []string               `json:"styles"`
	SuggestedStyles   []string               `json:"suggested_styles"`
	SuggestionPending bool                   `json:"suggestion_pending"`
	SelectedStyle     string                 `json:"selected_style,omitempty"`
	SelectedPalette   domain.Palette         `json:"selected_palette,omitempty"`
	Detail            int                    `json:"detail"`
	Result            *PhotoView             `json:"result,omitempty"`
	Palettes          []domain.PaletteOption `json:"palettes"`
	Notifications     []Notification         `json:"notifications"`
}

// PhotoView は画像を埋め込み参照として表示層に渡します。
type PhotoView struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
	DataURI  string `json:"data_uri"`
}

func newPhotoView(p *domain.Photo) *PhotoView {
	if p == nil {
		return nil
	}
	return &PhotoView{ID: p.ID, MIMEType: p.MIMEType, Size: p.Size(), DataURI: p.DataURI()}
}

// Options は Controller の動作設定です。
type Options struct {
	// SuggestTimeout はバックグラウンドの画風提案1回あたりの上限時間です。0 なら無制限です。
	SuggestTimeout time.Duration
	// SynthesisTimeout は画像生成1回あたりの上限時間です。0 なら無制限です。
	SynthesisTimeout time.Duration
}

// Controller は1セッション分のウィザードを進行させます。
// 状態の変更はミューテックスの内側で純粋な遷移関数を通してのみ行い、
// リモート呼び出しはロックの外で実行します。
type Controller struct {
	suggester   StyleSuggester
	synthesizer Synthesizer
	opts        Options

	mu            sync.Mutex
	state         State
	cancelSuggest context.CancelFunc
	subscribers   map[int]chan Snapshot
	nextSubID     int
	suggestWG     sync.WaitGroup

	revision *atomic.Uint64
	closed   *atomic.Bool
}

// NewController は Controller を初期化します。
func NewController(suggester StyleSuggester, synthesizer Synthesizer, opts Options) (*Controller, error) {
	if suggester == nil {
		return nil, fmt.Errorf("suggester is required")
	}
	if synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	return &Controller{
		suggester:   suggester,
		synthesizer: synthesizer,
		opts:        opts,
		state:       Initial(),
		subscribers: make(map[int]chan Snapshot),
		revision:    atomic.NewUint64(0),
		closed:      atomic.NewBool(false),
	}, nil
}

// State は現在の状態のコピーを返します。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Revision は状態が変わるたびに増える番号を返します。
func (c *Controller) Revision() uint64 {
	return c.revision.Load()
}

// Snapshot は現在の状態を表示用ビューにして返します。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := c.state
	suggested := s.SuggestedStyles
	if suggested == nil {
		suggested = []string{}
	}
	notifications := s.Notifications
	if notifications == nil {
		notifications = []Notification{}
	}
	return Snapshot{
		Revision:          c.revision.Load(),
		Step:              s.Step,
		Photo:             newPhotoView(s.Photo),
		Styles:            s.Styles(),
		SuggestedStyles:   suggested,
		SuggestionPending: s.SuggestionPending,
		SelectedStyle:     s.SelectedStyle,
		SelectedPalette:   s.SelectedPalette,
		Detail:            s.Detail,
		Result:            newPhotoView(s.Result),
		Palettes:          domain.Palettes(),
		Notifications:     notifications,
	}
}

// Upload は写真を受け付け、画風提案をバックグラウンドで開始します。
// 提案の完了は待ちません。以前の提案が進行中なら取り消し、その結果は反映しません。
func (c *Controller) Upload(ctx context.Context, photo domain.Photo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	next, err := Upload(c.state, photo)
	if err != nil {
		return err
	}
	c.stopSuggestionLocked()
	c.commitLocked(next)

	slog.InfoContext(ctx, "写真を受け付けました。画風の提案を開始します",
		"photo_id", photo.ID, "mime_type", photo.MIMEType, "bytes", photo.Size())
	c.startSuggestionLocked(photo)
	return nil
}

// startSuggestionLocked は写真の識別子に紐づく取り消し可能なタスクとして提案を実行します。
func (c *Controller) startSuggestionLocked(photo domain.Photo) {
	taskCtx, cancel := context.WithCancel(context.Background())
	if c.opts.SuggestTimeout > 0 {
		taskCtx, cancel = withTimeout(taskCtx, cancel, c.opts.SuggestTimeout)
	}
	c.cancelSuggest = cancel

	c.suggestWG.Add(1)
	go func() {
		defer c.suggestWG.Done()
		defer cancel()

		styles, err := c.suggester.SuggestStyles(taskCtx, photo)

		c.mu.Lock()
		defer c.mu.Unlock()
		if taskCtx.Err() == context.Canceled || c.state.PhotoID() != photo.ID {
			slog.Debug("古い写真に対する画風提案を破棄しました", "photo_id", photo.ID)
			return
		}
		if err != nil {
			slog.Warn("画風の提案に失敗しました。デフォルトの画風で続行します", "photo_id", photo.ID, "error", err)
			c.commitLocked(FailSuggestions(c.state, photo.ID, err))
			return
		}
		c.commitLocked(ApplySuggestions(c.state, photo.ID, styles))
	}()
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

func (c *Controller) stopSuggestionLocked() {
	if c.cancelSuggest != nil {
		c.cancelSuggest()
		c.cancelSuggest = nil
	}
}

// SelectStyle は画風を選択します。
func (c *Controller) SelectStyle(style string) error {
	return c.apply(func(s State) (State, error) { return SelectStyle(s, style) })
}

// SelectPalette はパレットを選択します。
func (c *Controller) SelectPalette(palette domain.Palette) error {
	return c.apply(func(s State) (State, error) { return SelectPalette(s, palette) })
}

// SetDetail は線画レベルを変更します。
func (c *Controller) SetDetail(level int) error {
	return c.apply(func(s State) (State, error) { return SetDetail(s, level) })
}

// GoBack は1つ前の選択ステップに戻ります。
func (c *Controller) GoBack() error {
	return c.apply(GoBack)
}

// Reset は進行中の提案を取り消し、初期状態に戻します。
// 生成中にリセットされた場合、その生成結果は破棄されます。
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	c.stopSuggestionLocked()
	c.commitLocked(Reset(c.state))
	return nil
}

// Synthesize は現在の選択で画像を1枚生成します。detail が指定されていれば確定前に反映します。
// 失敗した場合は線画調整ステップに戻り、選択は保持されます。自動リトライはしません。
func (c *Controller) Synthesize(ctx context.Context, detail *int) (*domain.Photo, error) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	state := c.state
	if detail != nil {
		var err error
		if state, err = SetDetail(state, *detail); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	next, req, err := BeginSynthesis(state)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.commitLocked(next)
	photoID := req.Photo.ID
	c.mu.Unlock()

	if c.opts.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.SynthesisTimeout)
		defer cancel()
	}

	slog.InfoContext(ctx, "漫画風画像の生成を開始します",
		"photo_id", photoID, "style", req.Style, "palette", req.Palette, "detail", req.Detail)
	resp, err := c.synthesizer.Synthesize(ctx, req)
	if err == nil && (resp == nil || resp.Image.IsZero()) {
		err = domain.NewRemoteModelError(domain.OpSynthesize, domain.ErrNoImage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// 成否にかかわらず、リセット後に戻ってきた結果は捨てる
	if c.state.Step != StepSynthesizing || c.state.PhotoID() != photoID {
		slog.InfoContext(ctx, "生成中にセッションがリセットされたため結果を破棄しました", "photo_id", photoID, "error", err)
		return nil, fmt.Errorf("%w: 生成中にセッションがリセットされました", ErrInvalidTransition)
	}
	if err != nil {
		slog.WarnContext(ctx, "漫画風画像の生成に失敗しました", "photo_id", photoID, "error", err)
		c.commitLocked(FailSynthesis(c.state, photoID, err))
		return nil, err
	}
	c.commitLocked(CompleteSynthesis(c.state, photoID, resp.Image))
	image := resp.Image
	return &image, nil
}

// Download は表示中の画像（生成結果を優先）を返します。
func (c *Controller) Download() (domain.Photo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Download(c.state)
}

// Subscribe は状態が変わるたびに Snapshot を受け取るチャネルを返します。
// 受信が遅れた購読者には最新のものだけが届きます。返された関数で購読を解除します。
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if c.closed.Load() {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close は進行中の提案を取り消し、購読をすべて終了します。
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return
	}
	c.stopSuggestionLocked()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.mu.Unlock()

	c.suggestWG.Wait()
}

// Closed は Close 済みかどうかを返します。
func (c *Controller) Closed() bool {
	return c.closed.Load()
}

// Wait はバックグラウンドの提案タスクが終わるまで待ちます。
func (c *Controller) Wait() {
	c.suggestWG.Wait()
}

func (c *Controller) apply(fn func(State) (State, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	next, err := fn(c.state)
	if err != nil {
		return err
	}
	c.commitLocked(next)
	return nil
}

func (c *Controller) commitLocked(next State) {
	c.state = next
	c.revision.Inc()
	if len(c.subscribers) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subscribers {
		// 取り残された古い Snapshot は捨てて最新のみ残す
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
