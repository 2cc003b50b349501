package emotes

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/emotescope/emotescope/pkg/models"
)

// ParseDetails extracts the channel, source, tier and expiry from a
// rendered emote detail page. The page has no stable ids or classes, so
// the text is read as a line sequence: the emote name is followed by the
// channel, source and tier lines, and the expiry value follows an
// "Expires:" label.
func ParseDetails(emoteName, pageHTML, detailsURL string) models.EmoteDetails {
	details := models.EmoteDetails{
		EmoteName:  emoteName,
		DetailsURL: detailsURL,
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return details
	}

	// Prefer a Twitch link with visible text; that text is the channel
	// name.
	doc.Find(`a[href*="twitch.tv/"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		text := strings.TrimSpace(sel.Text())
		if !ok || href == "" {
			return true
		}
		if details.ChannelURL == "" {
			details.ChannelURL = href
		}
		if text != "" {
			details.ChannelURL = href
			details.Channel = text
			return false
		}
		return true
	})
	if details.Channel == "" && details.ChannelURL != "" {
		if u, err := url.Parse(details.ChannelURL); err == nil {
			if path := strings.Trim(u.Path, "/"); path != "" {
				details.Channel = strings.SplitN(path, "/", 2)[0]
			}
		}
	}

	lines := textLines(doc)
	details.NotFound = strings.Contains(strings.Join(lines, "\n"), "Emote not found")

	nameIdx := indexOf(lines, emoteName, 0)
	if nameIdx >= 0 {
		if nameIdx+2 < len(lines) {
			details.Source = lines[nameIdx+2]
		}
		if nameIdx+3 < len(lines) {
			details.Tier = lines[nameIdx+3]
		}
	}

	searchFrom := 0
	if nameIdx >= 0 {
		searchFrom = nameIdx
	}
	if expIdx := indexOf(lines, "Expires:", searchFrom); expIdx >= 0 && expIdx+1 < len(lines) {
		details.Expires = lines[expIdx+1]
	}

	return details
}

// textLines flattens the document into trimmed, non-empty text lines, one
// per text node, preserving document order.
func textLines(doc *goquery.Document) []string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, piece := range strings.Split(n.Data, "\n") {
				if piece = strings.TrimSpace(piece); piece != "" {
					lines = append(lines, piece)
				}
			}
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, root := range doc.Nodes {
		walk(root)
	}
	return lines
}

func indexOf(lines []string, target string, from int) int {
	for i := from; i < len(lines); i++ {
		if lines[i] == target {
			return i
		}
	}
	return -1
}
