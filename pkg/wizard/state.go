package wizard

import (
	"errors"
	"fmt"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
)

// DownloadFileName はダウンロード時の固定ファイル名です。
const DownloadFileName = "toonified-image.png"

// ErrInvalidTransition は現在のステップでは受け付けられない操作を示します。
var ErrInvalidTransition = errors.New("このステップでは実行できない操作です")

// Step はウィザードの現在位置です。
type Step int

const (
	StepAwaitingUpload Step = iota
	StepChoosingStyle
	StepChoosingPalette
	StepChoosingDetail
	StepSynthesizing
	StepShowingResult
)

var stepNames = map[Step]string{
	StepAwaitingUpload:  "awaiting-upload",
	StepChoosingStyle:   "choosing-style",
	StepChoosingPalette: "choosing-palette",
	StepChoosingDetail:  "choosing-detail",
	StepSynthesizing:    "synthesizing",
	StepShowingResult:   "showing-result",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// MarshalText は JSON 上でステップ名を文字列として出力します。
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Level は通知の重要度です。
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification はユーザーに見せる通知です（ブラウザ側でトースト表示されます）。
type Notification struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// State はセッション1つ分のウィザードの状態です。
// 遷移関数はすべて値を受け取り新しい値を返すので、表示層から独立してテストできます。
type State struct {
	Step              Step
	Photo             *domain.Photo
	SuggestedStyles   []string
	SuggestionPending bool
	SelectedStyle     string
	SelectedPalette   domain.Palette
	Detail            int
	Result            *domain.Photo
	Notifications     []Notification
}

// Initial はアップロード待ちの初期状態を返します。
func Initial() State {
	return State{
		Step:   StepAwaitingUpload,
		Detail: domain.DetailDefault,
	}
}

// Reset はどのステップからでも初期状態に戻します。
func Reset(State) State {
	return Initial()
}

// Styles は提案とデフォルトを統合した画風リストを返します。
func (s State) Styles() []string {
	return domain.MergeStyles(s.SuggestedStyles)
}

// PhotoID は現在の写真の識別子を返します。写真がなければ空文字です。
func (s State) PhotoID() string {
	if s.Photo == nil {
		return ""
	}
	return s.Photo.ID
}

func invalid(s State, op string) error {
	return fmt.Errorf("%w: %s (step=%s)", ErrInvalidTransition, op, s.Step)
}

// Upload は写真を検証し、画風選択へ進めます。
// 検証に失敗した場合は状態を変えずに ValidationError を返します。
// 新しい写真は以前の選択と結果を破棄し、画風提案は保留中になります。
func Upload(s State, photo domain.Photo) (State, error) {
	if err := photo.Validate(); err != nil {
		return s, err
	}
	if s.Step == StepSynthesizing {
		return s, invalid(s, "upload")
	}

	next := Initial()
	next.Notifications = s.Notifications
	next.Step = StepChoosingStyle
	next.Photo = &photo
	next.SuggestionPending = true
	return next, nil
}

// ApplySuggestions は写真 photoID に対する提案結果を反映します。
// 既に別の写真に差し替わっている場合は古い結果として無視します。
func ApplySuggestions(s State, photoID string, styles []string) State {
	if photoID == "" || s.PhotoID() != photoID {
		return s
	}
	s.SuggestedStyles = append([]string(nil), styles...)
	s.SuggestionPending = false
	return s
}

// FailSuggestions は提案の失敗を反映します。デフォルトの画風だけで続行できます。
func FailSuggestions(s State, photoID string, err error) State {
	if photoID == "" || s.PhotoID() != photoID {
		return s
	}
	s.SuggestedStyles = nil
	s.SuggestionPending = false
	s = notify(s, Notification{
		Level:   LevelError,
		Title:   "AI failed to suggest styles",
		Message: "Using default styles. You can still proceed.",
	})
	return s
}

// SelectStyle は統合リストから画風を1つ選び、パレット選択へ進めます。
func SelectStyle(s State, style string) (State, error) {
	if s.Step != StepChoosingStyle {
		return s, invalid(s, "select style")
	}
	for _, candidate := range s.Styles() {
		if candidate == style {
			s.SelectedStyle = style
			s.Step = StepChoosingPalette
			return s, nil
		}
	}
	return s, &domain.ValidationError{Field: "style", Reason: "候補にない画風です: " + style}
}

// SelectPalette は固定4種からパレットを選び、線画レベルの調整へ進めます。
func SelectPalette(s State, palette domain.Palette) (State, error) {
	if s.Step != StepChoosingPalette {
		return s, invalid(s, "select palette")
	}
	if !palette.Valid() {
		return s, &domain.ValidationError{Field: "palette", Reason: "不明なパレットです: " + string(palette)}
	}
	s.SelectedPalette = palette
	s.Step = StepChoosingDetail
	return s, nil
}

// SetDetail は線画レベルを変更します。ステップは変わりません。
func SetDetail(s State, level int) (State, error) {
	if s.Step != StepChoosingDetail {
		return s, invalid(s, "set detail")
	}
	if err := domain.ValidateDetail(level); err != nil {
		return s, err
	}
	s.Detail = level
	return s, nil
}

// GoBack はパレット選択から画風選択へ、線画調整からパレット選択へ戻します。
// 選択済みの値は保持されます。
func GoBack(s State) (State, error) {
	switch s.Step {
	case StepChoosingPalette:
		s.Step = StepChoosingStyle
	case StepChoosingDetail:
		s.Step = StepChoosingPalette
	default:
		return s, invalid(s, "go back")
	}
	return s, nil
}

// BeginSynthesis は生成中へ進め、モデルに送る要求を返します。
// 生成中ステップそのものが同時に1つしか生成しないことを保証します。
func BeginSynthesis(s State) (State, domain.SynthesisRequest, error) {
	if s.Step != StepChoosingDetail {
		return s, domain.SynthesisRequest{}, invalid(s, "synthesize")
	}
	if s.Photo == nil || s.SelectedStyle == "" {
		return s, domain.SynthesisRequest{}, invalid(s, "synthesize without photo or style")
	}
	req := domain.SynthesisRequest{
		Photo:   *s.Photo,
		Style:   s.SelectedStyle,
		Palette: s.SelectedPalette,
		Detail:  s.Detail,
	}
	if err := req.Validate(); err != nil {
		return s, domain.SynthesisRequest{}, err
	}
	s.Step = StepSynthesizing
	return s, req, nil
}

// CompleteSynthesis は生成結果を反映して結果表示へ進めます。
// 生成開始時と写真が変わっている、あるいは生成中でない場合は結果を捨てます。
func CompleteSynthesis(s State, photoID string, image domain.Photo) State {
	if s.Step != StepSynthesizing || s.PhotoID() != photoID {
		return s
	}
	s.Result = &image
	s.Step = StepShowingResult
	return s
}

// FailSynthesis は線画調整まで1ステップ戻し、選択を保ったまま失敗を通知します。
func FailSynthesis(s State, photoID string, err error) State {
	if s.Step != StepSynthesizing || s.PhotoID() != photoID {
		return s
	}
	s.Step = StepChoosingDetail
	msg := "Please try again or adjust your settings."
	if err != nil {
		msg = err.Error()
	}
	return notify(s, Notification{Level: LevelError, Title: "Generation failed", Message: msg})
}

// Download は表示中の画像を返します。生成結果があればそれを、なければアップロードされた写真を返します。
func Download(s State) (domain.Photo, error) {
	if s.Result != nil {
		return *s.Result, nil
	}
	if s.Photo != nil {
		return *s.Photo, nil
	}
	return domain.Photo{}, invalid(s, "download without image")
}

// notify は通知を追加します。元の State の配列と共有しないようにコピーします。
func notify(s State, n Notification) State {
	out := make([]Notification, 0, len(s.Notifications)+1)
	out = append(out, s.Notifications...)
	s.Notifications = append(out, n)
	return s
}
