package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/domain"
)

const cacheKeyStyles = "styles:"

// CachedStyleSuggester は同じ写真に対する提案結果を一定時間再利用するデコレーターです。
// キーは画像内容のハッシュなので、同じ写真を再アップロードしても識別子に左右されません。
// 失敗はキャッシュしません。
type CachedStyleSuggester struct {
	next  StyleSuggester
	cache ImageCacher
	ttl   time.Duration
}

// NewCachedStyleSuggester は next を cache で包みます。cache が nil の場合は next をそのまま返します。
func NewCachedStyleSuggester(next StyleSuggester, cache ImageCacher, ttl time.Duration) StyleSuggester {
	if cache == nil {
		return next
	}
	return &CachedStyleSuggester{next: next, cache: cache, ttl: ttl}
}

// SuggestStyles はキャッシュを確認し、なければ next に委譲して結果を保存します。
func (c *CachedStyleSuggester) SuggestStyles(ctx context.Context, photo domain.Photo) ([]string, error) {
	key := cacheKeyStyles + photoDigest(photo)

	if cached, found := c.cache.Get(key); found {
		if styles, ok := cached.([]string); ok {
			slog.DebugContext(ctx, "画風提案をキャッシュから返します", "photo_id", photo.ID)
			return append([]string(nil), styles...), nil
		}
		slog.WarnContext(ctx, "キャッシュデータが不正な型です", "key", key)
	}

	styles, err := c.next.SuggestStyles(ctx, photo)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]string(nil), styles...), c.ttl)
	return styles, nil
}

func photoDigest(photo domain.Photo) string {
	sum := sha256.Sum256(photo.Data)
	return hex.EncodeToString(sum[:])
}
