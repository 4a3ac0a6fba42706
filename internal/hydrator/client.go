package hydrator

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	baseURL        = "https://musicbrainz.org/ws/2"
	userAgent      = "Soulstream/1.0.0 (https://github.com/soulstream/backend)"
	requestTimeout = 10 * time.Second
	rateLimitDelay = time.Second // anonymous clients get 1 request per second
)

// Client provides access to the MusicBrainz API
type Client struct {
	http          *resty.Client
	lastRequest   time.Time
	rateLimitLock sync.Mutex
}

// NewClient creates a new MusicBrainz API client
func NewClient() *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("User-Agent", userAgent).
		SetQueryParam("fmt", "json")

	return &Client{http: http}
}

// Recording is a matched MusicBrainz recording.
type Recording struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Score  int    `json:"score"`
	Artist string `json:"artist"`
}

type recordingSearchResponse struct {
	Recordings []struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		Score        int    `json:"score"`
		ArtistCredit []struct {
			Name string `json:"name"`
		} `json:"artist-credit"`
	} `json:"recordings"`
}

// SearchRecording finds the best recording match for an artist and title.
func (c *Client) SearchRecording(ctx context.Context, artist, title string) (*Recording, error) {
	c.waitForRateLimit()

	query := fmt.Sprintf(`artist:"%s" AND recording:"%s"`, normalizeQuery(artist), normalizeQuery(title))

	var result recordingSearchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("query", query).
		SetQueryParam("limit", "1").
		SetResult(&result).
		Get("/recording")
	if err != nil {
		return nil, fmt.Errorf("recording search failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("recording search returned %s", resp.Status())
	}
	if len(result.Recordings) == 0 {
		return nil, nil
	}

	r := result.Recordings[0]
	rec := &Recording{
		ID:    r.ID,
		Title: r.Title,
		Score: r.Score,
	}
	if len(r.ArtistCredit) > 0 {
		rec.Artist = r.ArtistCredit[0].Name
	}
	return rec, nil
}

// waitForRateLimit spaces requests at least rateLimitDelay apart.
func (c *Client) waitForRateLimit() {
	c.rateLimitLock.Lock()
	defer c.rateLimitLock.Unlock()

	elapsed := time.Since(c.lastRequest)
	if elapsed < rateLimitDelay {
		time.Sleep(rateLimitDelay - elapsed)
	}
	c.lastRequest = time.Now()
}

// normalizeQuery folds accents and strips combining marks so `Beyoncé`
// and `Beyonce` hit the same index entries.
func normalizeQuery(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
