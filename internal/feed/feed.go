package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/history"
	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/gorilla/feeds"
	"github.com/samber/lo"
)

const titleRunes = 50

type Generator struct {
	now func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// Generate renders the session history as RSS, newest item first.
func (g *Generator) Generate(ctx context.Context, baseURL string, store *history.Store) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")
	log.Info("generating rss feed", "records", store.Len())

	baseURL = strings.TrimRight(baseURL, "/")
	feed := feeds.Feed{
		Title:       "FLUX Image Generator",
		Description: "Images generated in this session",
		Link:        &feeds.Link{Href: lo.Ternary(baseURL != "", baseURL+"/", "/")},
		Updated:     g.now(),
	}

	for i, rec := range store.All() {
		feed.Add(&feeds.Item{
			Id:          rec.ID,
			Title:       fmt.Sprintf("Image %d: %s", i+1, Truncate(rec.Prompt, titleRunes)),
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/images/%d", baseURL, i)},
			Description: rec.Settings,
			Created:     rec.CreatedAt,
			Enclosure: &feeds.Enclosure{
				Url:    fmt.Sprintf("%s/images/%d", baseURL, i),
				Type:   "image/png",
				Length: fmt.Sprint(len(rec.Image)),
			},
		})
	}

	rss, err := feed.ToRss()
	return []byte(rss), err
}

// Truncate keeps the first n runes of s and always ends with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r) + "..."
}
