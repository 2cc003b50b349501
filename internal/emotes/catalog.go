// Package emotes implements the emote catalog: browser tasks that render
// the pixelbypixel emote pages, a parser for the detail markup, and a
// TTL-cached catalog served by the HTTP API.
package emotes

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/emotescope/emotescope/internal/browser"
	"github.com/emotescope/emotescope/pkg/models"
)

// ErrNoTiles means the grid rendered but zero tiles were parsed out of
// it, which points at an upstream markup change rather than a browser
// problem.
var ErrNoTiles = errors.New("parsed zero emote tiles")

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// norm lowercases and strips everything but letters and digits, so
// "golden goat" matches "GoldenGoat".
func norm(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(s), "")
}

// Runner executes a browser task; satisfied by executor.Executor.
type Runner interface {
	Do(ctx context.Context, task browser.Task, timeout time.Duration) (any, error)
}

// Config fixes the catalog's upstream and cache behavior at startup.
type Config struct {
	BaseURL     string
	ListTTL     time.Duration
	DetailTTL   time.Duration
	TaskTimeout time.Duration
}

type detailEntry struct {
	data     models.EmoteDetails
	cachedAt time.Time
}

// Catalog caches the rendered emote grid and per-emote details, refreshing
// them through the browser pool when stale.
type Catalog struct {
	runner Runner
	cfg    Config
	log    *logrus.Entry

	sf singleflight.Group

	mu        sync.RWMutex
	tiles     []models.Tile
	fetchedAt time.Time
	details   map[string]detailEntry
}

func NewCatalog(runner Runner, cfg Config, log *logrus.Logger) *Catalog {
	return &Catalog{
		runner:  runner,
		cfg:     cfg,
		log:     log.WithField("component", "catalog"),
		details: make(map[string]detailEntry),
	}
}

// Search returns tiles matching every whitespace-separated term of q as a
// normalized substring, refreshing the list cache first if stale. An
// empty q returns the full list.
func (c *Catalog) Search(ctx context.Context, q string) ([]models.Tile, time.Time, error) {
	tiles, updatedAt, err := c.ensureTiles(ctx, c.cfg.ListTTL)
	if err != nil {
		return nil, time.Time{}, err
	}

	terms := make([]string, 0, 4)
	for _, t := range strings.Fields(q) {
		if n := norm(t); n != "" {
			terms = append(terms, n)
		}
	}
	if len(terms) == 0 {
		return tiles, updatedAt, nil
	}

	matched := make([]models.Tile, 0, len(tiles))
	for _, tile := range tiles {
		key := norm(tile.Name)
		ok := true
		for _, term := range terms {
			if !strings.Contains(key, term) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, tile)
		}
	}
	return matched, updatedAt, nil
}

// Refresh drops both caches and re-renders the grid immediately.
func (c *Catalog) Refresh(ctx context.Context) (int, time.Time, error) {
	c.mu.Lock()
	c.tiles = nil
	c.fetchedAt = time.Time{}
	c.details = make(map[string]detailEntry)
	c.mu.Unlock()

	tiles, updatedAt, err := c.ensureTiles(ctx, 0)
	if err != nil {
		return 0, time.Time{}, err
	}
	return len(tiles), updatedAt, nil
}

// Detail returns the parsed detail page for one emote, cached for the
// detail TTL. A page that reports "Emote not found" is still a valid,
// cacheable answer.
func (c *Catalog) Detail(ctx context.Context, name string) (models.EmoteDetails, error) {
	c.mu.RLock()
	entry, ok := c.details[name]
	c.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < c.cfg.DetailTTL {
		return entry.data, nil
	}

	detailsURL := fmt.Sprintf("%s?emoteName=%s", c.cfg.BaseURL, url.QueryEscape(name))

	v, err, _ := c.sf.Do("detail:"+name, func() (any, error) {
		res, err := c.runner.Do(ctx, NewRenderTask(detailsURL, "Expires:"), c.cfg.TaskTimeout)
		if err != nil {
			return nil, err
		}
		pageHTML, ok := res.(string)
		if !ok {
			return nil, fmt.Errorf("render task returned %T, want string", res)
		}

		data := ParseDetails(name, pageHTML, detailsURL)

		// Attach the image from the list cache; cheap and best-effort.
		if tiles, _, err := c.ensureTiles(ctx, c.cfg.ListTTL); err == nil {
			for _, tile := range tiles {
				if tile.Name == name {
					data.ImageURL = tile.ImageURL
					break
				}
			}
		}

		c.mu.Lock()
		c.details[name] = detailEntry{data: data, cachedAt: time.Now()}
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return models.EmoteDetails{}, err
	}
	return v.(models.EmoteDetails), nil
}

// ensureTiles returns the cached tile list when it is younger than
// maxAge, re-rendering the grid otherwise. Concurrent refreshes collapse
// into one browser task.
func (c *Catalog) ensureTiles(ctx context.Context, maxAge time.Duration) ([]models.Tile, time.Time, error) {
	if tiles, at, ok := c.cachedTiles(maxAge); ok {
		return tiles, at, nil
	}

	_, err, _ := c.sf.Do("tiles", func() (any, error) {
		if _, _, ok := c.cachedTiles(maxAge); ok {
			return nil, nil
		}

		res, err := c.runner.Do(ctx, newTilesTask(c.cfg.BaseURL), c.cfg.TaskTimeout)
		if err != nil {
			return nil, err
		}
		tiles, ok := res.([]models.Tile)
		if !ok {
			return nil, fmt.Errorf("tiles task returned %T, want []models.Tile", res)
		}
		if len(tiles) == 0 {
			return nil, ErrNoTiles
		}

		c.mu.Lock()
		c.tiles = tiles
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		c.log.WithField("count", len(tiles)).Info("emote list refreshed")
		return nil, nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	tiles, at, _ := c.cachedTiles(c.cfg.ListTTL)
	return tiles, at, nil
}

func (c *Catalog) cachedTiles(maxAge time.Duration) ([]models.Tile, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tiles) == 0 || time.Since(c.fetchedAt) >= maxAge {
		return nil, time.Time{}, false
	}
	out := make([]models.Tile, len(c.tiles))
	copy(out, c.tiles)
	return out, c.fetchedAt, true
}
