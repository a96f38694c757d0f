// Package feed looks up the most recent recording in a YouTube
// playlist via the public Atom feed (no API key required).
package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/towncrier-bot/towncrier/internal/httpkit"
)

// ErrEmptyFeed is returned when the playlist feed has no entries.
var ErrEmptyFeed = errors.New("playlist feed is empty")

// maxFeedBytes bounds how much feed body is read.
const maxFeedBytes = 1 << 20

// Item is one recording from the playlist feed.
type Item struct {
	ID          string // YouTube video id
	Title       string
	Description string
	URL         string
	Published   time.Time
}

// Summary extracts a short summary from the video description: the
// first paragraph within 500 characters, else the last full sentence,
// else a hard cut with an ellipsis.
func (it *Item) Summary() string {
	desc := strings.TrimSpace(it.Description)
	if desc == "" {
		return "Keine Beschreibung verfügbar."
	}

	head := desc
	if len(head) > 500 {
		// Cut on a rune boundary so umlauts near the limit do not get
		// split into invalid UTF-8.
		cut := 500
		for cut > 0 && !utf8.RuneStart(desc[cut]) {
			cut--
		}
		head = desc[:cut]
	}
	if i := strings.Index(head, "\n\n"); i >= 0 {
		return head[:i]
	}
	if len(desc) > 500 {
		if i := strings.LastIndex(head, "."); i > 100 {
			return desc[:i+1]
		}
		return head + "..."
	}
	return desc
}

// atomFeed is the XML structure of a YouTube videos.xml feed. The
// media:group description and yt:videoId elements are matched by local
// name, which is how encoding/xml handles the namespaced fields.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID          string     `xml:"id"`
	VideoID     string     `xml:"videoId"`
	Title       string     `xml:"title"`
	Links       []atomLink `xml:"link"`
	Published   string     `xml:"published"`
	Description string     `xml:"group>description"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// Source fetches the latest item from one playlist feed.
type Source struct {
	feedURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewSource creates a source for the given playlist id.
func NewSource(playlistID string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		feedURL: "https://www.youtube.com/feeds/videos.xml?playlist_id=" + playlistID,
		client:  httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
		logger:  logger.With("component", "feed"),
	}
}

// Latest returns the most recently published entry in the playlist
// feed. Returns ErrEmptyFeed when the playlist has no entries yet.
func (s *Source) Latest(ctx context.Context) (*Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxFeedBytes)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	item, err := latestItem(body)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("latest playlist entry", "video_id", item.ID, "published", item.Published)
	return item, nil
}

// latestItem parses the feed and picks the entry with the newest
// published timestamp. YouTube orders entries newest-first, but the
// ordering is not contractual, so the timestamps decide.
func latestItem(data []byte) (*Item, error) {
	var af atomFeed
	if err := xml.Unmarshal(data, &af); err != nil || af.XMLName.Local != "feed" {
		return nil, fmt.Errorf("unrecognized feed format (expected Atom)")
	}
	if len(af.Entries) == 0 {
		return nil, ErrEmptyFeed
	}

	best := 0
	bestPub := entryPublished(af.Entries[0])
	for i := 1; i < len(af.Entries); i++ {
		if pub := entryPublished(af.Entries[i]); pub.After(bestPub) {
			best = i
			bestPub = pub
		}
	}
	return entryToItem(af.Entries[best], bestPub), nil
}

func entryPublished(e atomEntry) time.Time {
	pub, _ := time.Parse(time.RFC3339, e.Published)
	return pub
}

// entryToItem normalizes an Atom entry. The video id comes from
// yt:videoId when present, else from stripping the "yt:video:" prefix
// of the Atom id, else the id verbatim.
func entryToItem(e atomEntry, pub time.Time) *Item {
	id := e.VideoID
	if id == "" {
		id = strings.TrimPrefix(e.ID, "yt:video:")
	}

	url := bestLink(e.Links)
	if url == "" && id != "" {
		url = "https://www.youtube.com/watch?v=" + id
	}

	return &Item{
		ID:          id,
		Title:       e.Title,
		Description: e.Description,
		URL:         url,
		Published:   pub,
	}
}

// bestLink prefers rel="alternate"; falls back to the first link.
func bestLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return l.Href
		}
	}
	if len(links) > 0 {
		return links[0].Href
	}
	return ""
}
