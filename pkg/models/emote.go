package models

import "time"

// Tile is one entry in the rendered emote grid: the emote name plus the
// image URL extracted from the tile markup.
type Tile struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// EmoteDetails is the parsed detail page for a single emote.
type EmoteDetails struct {
	EmoteName  string `json:"emoteName"`
	Channel    string `json:"channel,omitempty"`
	ChannelURL string `json:"channelUrl,omitempty"`
	Source     string `json:"source,omitempty"`
	Tier       string `json:"tier,omitempty"`
	Expires    string `json:"expires,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	DetailsURL string `json:"detailsUrl"`
	NotFound   bool   `json:"notFound"`
}

// EmoteListResponse is the payload for GET /api/emotes.
type EmoteListResponse struct {
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
	Items     []Tile    `json:"items"`
}

// RefreshResponse is the payload for POST /api/refresh.
type RefreshResponse struct {
	OK        bool      `json:"ok"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}
