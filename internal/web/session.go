package web

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/wizard"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// ControllerFactory は新しいセッション用の Controller を生成します。
type ControllerFactory func() (*wizard.Controller, error)

// SessionStore はブラウザのセッションごとの Controller をメモリ上に保持します。
// 最後のアクセスから TTL が過ぎたセッションは破棄され、画像も残りません。
type SessionStore struct {
	items   *cache.Cache
	factory ControllerFactory
}

// NewSessionStore は TTL 付きのセッションストアを作成します。
func NewSessionStore(factory ControllerFactory, ttl, cleanupInterval time.Duration) *SessionStore {
	items := cache.New(ttl, cleanupInterval)
	items.OnEvicted(func(id string, v interface{}) {
		if ctrl, ok := v.(*wizard.Controller); ok {
			ctrl.Close()
			slog.Debug("セッションを破棄しました", "session_id", id)
		}
	})
	return &SessionStore{items: items, factory: factory}
}

// Create は新しいセッションを作成します。
func (s *SessionStore) Create() (string, *wizard.Controller, error) {
	ctrl, err := s.factory()
	if err != nil {
		return "", nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}
	id := uuid.NewString()
	s.items.Set(id, ctrl, cache.DefaultExpiration)
	return id, ctrl, nil
}

// Get はセッションを取得し、有効期限を延長します。
func (s *SessionStore) Get(id string) (*wizard.Controller, bool) {
	v, found := s.items.Get(id)
	if !found {
		return nil, false
	}
	ctrl, ok := v.(*wizard.Controller)
	if !ok {
		slog.Warn("キャッシュデータが不正な型です", "session_id", id)
		return nil, false
	}
	if ctrl.Closed() {
		s.items.Delete(id)
		return nil, false
	}
	// 上書きでは OnEvicted は呼ばれない
	s.items.Set(id, ctrl, cache.DefaultExpiration)
	// 取得と延長の間に期限切れで破棄された場合は戻した分を消す
	if ctrl.Closed() {
		s.items.Delete(id)
		return nil, false
	}
	return ctrl, true
}

// Delete はセッションを破棄します。
func (s *SessionStore) Delete(id string) bool {
	if _, found := s.items.Get(id); !found {
		return false
	}
	s.items.Delete(id)
	return true
}

// Len は保持しているセッション数を返します。
func (s *SessionStore) Len() int {
	return s.items.ItemCount()
}

// Close はすべてのセッションを破棄します。
func (s *SessionStore) Close() {
	for id := range s.items.Items() {
		s.items.Delete(id)
	}
}
