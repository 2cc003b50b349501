package emotes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/emotescope/emotescope/pkg/models"
)

const (
	tileSelector = `a[href*="emoteName="]`

	gotoTimeoutMs     = 60_000
	tileWaitTimeoutMs = 30_000
	textWaitTimeoutMs = 7_000
)

// tileExtractJS pulls the emote name from each tile link's query string
// and the image URL from the <img> inside it, falling back to the CSS
// background image.
const tileExtractJS = `els => els.map(a => {
  const u = new URL(a.href);
  const name = u.searchParams.get("emoteName");
  const img = a.querySelector("img");
  let imageUrl = img ? (img.currentSrc || img.src) : null;
  if (!imageUrl) {
    const bg = getComputedStyle(a).backgroundImage || "";
    const m = bg.match(/url\(["']?(.*?)["']?\)/);
    if (m && m[1]) imageUrl = m[1];
  }
  return { name, imageUrl };
}).filter(x => x.name)`

// tilesTask renders the emote grid and extracts every tile.
type tilesTask struct {
	baseURL string
}

func newTilesTask(baseURL string) tilesTask { return tilesTask{baseURL: baseURL} }

func (t tilesTask) Name() string { return "emotes.tiles" }

func (t tilesTask) Run(ctx context.Context, page playwright.Page) (any, error) {
	if _, err := page.Goto(t.baseURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(gotoTimeoutMs),
	}); err != nil {
		return nil, fmt.Errorf("goto %s: %w", t.baseURL, err)
	}

	// Tile links only exist after client-side rendering finishes.
	if _, err := page.WaitForSelector(tileSelector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(tileWaitTimeoutMs),
	}); err != nil {
		return nil, fmt.Errorf("wait for emote tiles: %w", err)
	}

	raw, err := page.EvalOnSelectorAll(tileSelector, tileExtractJS)
	if err != nil {
		return nil, fmt.Errorf("extract emote tiles: %w", err)
	}

	return coerceTiles(raw), nil
}

// coerceTiles converts the JS eval result into de-duplicated, sorted
// tiles.
func coerceTiles(raw any) []models.Tile {
	items, _ := raw.([]any)
	seen := make(map[string]struct{}, len(items))
	tiles := make([]models.Tile, 0, len(items))

	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		imageURL, _ := entry["imageUrl"].(string)
		tiles = append(tiles, models.Tile{Name: name, ImageURL: imageURL})
	}

	sort.Slice(tiles, func(i, j int) bool {
		return strings.ToLower(tiles[i].Name) < strings.ToLower(tiles[j].Name)
	})
	return tiles
}

// RenderTask loads a page with a real browser and returns the final DOM
// HTML. waitForText is best-effort: the render succeeds even if the text
// never appears.
type RenderTask struct {
	url         string
	waitForText string
}

// NewRenderTask builds the generic render task used by POST /v1/render.
func NewRenderTask(url, waitForText string) RenderTask {
	return RenderTask{url: url, waitForText: waitForText}
}

func (t RenderTask) Name() string { return "page.render" }

func (t RenderTask) Run(ctx context.Context, page playwright.Page) (any, error) {
	if _, err := page.Goto(t.url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(gotoTimeoutMs),
	}); err != nil {
		return nil, fmt.Errorf("goto %s: %w", t.url, err)
	}

	if t.waitForText != "" {
		_, _ = page.WaitForSelector("text="+t.waitForText, playwright.PageWaitForSelectorOptions{
			Timeout: playwright.Float(textWaitTimeoutMs),
		})
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("read page content: %w", err)
	}
	return html, nil
}
