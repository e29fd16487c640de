package tmdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/yaffw/cinefav/src/internal/domain"
)

const DefaultBaseURL = "https://api.themoviedb.org/3"

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	// FailureThreshold consecutive failures open the breaker for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type TMDBClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func NewTMDBClient(apiKey string, opts Options) *TMDBClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	c := &TMDBClient{
		apiKey:  apiKey,
		baseURL: opts.BaseURL,
		client:  &http.Client{Timeout: opts.Timeout},
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "tmdb",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
	})
	return c
}

// Responses
type listResponse struct {
	Results []struct {
		ID           int64   `json:"id"`
		MediaType    string  `json:"media_type"`     // trending only
		Title        string  `json:"title"`          // Movies
		Name         string  `json:"name"`           // TV
		ReleaseDate  string  `json:"release_date"`   // Movies
		FirstAirDate string  `json:"first_air_date"` // TV
		Overview     string  `json:"overview"`
		VoteAverage  float64 `json:"vote_average"`
		PosterPath   string  `json:"poster_path"`
		BackdropPath string  `json:"backdrop_path"`
	} `json:"results"`
}

type detailsResponse struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	VoteAverage  float64 `json:"vote_average"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	Genres       []struct {
		Name string `json:"name"`
	} `json:"genres"`
}

func (c *TMDBClient) Search(ctx context.Context, query string, year int, mediaType domain.MediaType) ([]domain.MediaMetadata, error) {
	if mediaType == "" {
		mediaType = domain.MediaTypeMovie
	}
	q := url.Values{}
	q.Set("query", query)
	if year > 0 {
		if mediaType == domain.MediaTypeMovie {
			q.Set("primary_release_year", strconv.Itoa(year))
		} else {
			q.Set("first_air_date_year", strconv.Itoa(year))
		}
	}

	var res listResponse
	if err := c.get(ctx, "/search/"+string(mediaType), q, &res); err != nil {
		return nil, err
	}
	return res.toMetadata(mediaType), nil
}

func (c *TMDBClient) Trending(ctx context.Context, mediaType domain.MediaType) ([]domain.MediaMetadata, error) {
	if mediaType == "" {
		mediaType = domain.MediaTypeMovie
	}
	var res listResponse
	if err := c.get(ctx, "/trending/"+string(mediaType)+"/week", nil, &res); err != nil {
		return nil, err
	}
	return res.toMetadata(mediaType), nil
}

func (c *TMDBClient) GetDetails(ctx context.Context, id int64, mediaType domain.MediaType) (*domain.MediaMetadata, error) {
	if mediaType == "" {
		mediaType = domain.MediaTypeMovie
	}
	var d detailsResponse
	if err := c.get(ctx, fmt.Sprintf("/%s/%d", mediaType, id), nil, &d); err != nil {
		return nil, err
	}

	var genres []string
	for _, g := range d.Genres {
		genres = append(genres, g.Name)
	}

	return &domain.MediaMetadata{
		ID:           d.ID,
		MediaType:    mediaType,
		Title:        firstNonEmpty(d.Title, d.Name),
		Overview:     d.Overview,
		ReleaseDate:  parseDate(firstNonEmpty(d.ReleaseDate, d.FirstAirDate)),
		Rating:       d.VoteAverage,
		Genres:       genres,
		PosterPath:   d.PosterPath,
		BackdropPath: d.BackdropPath,
	}, nil
}

func (c *TMDBClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx and throttling count against the breaker; 4xx do not.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, fmt.Errorf("TMDB returned %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("tmdb %s: %w", path, domain.ErrMediaNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("TMDB returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r listResponse) toMetadata(mediaType domain.MediaType) []domain.MediaMetadata {
	metadata := make([]domain.MediaMetadata, 0, len(r.Results))
	for _, res := range r.Results {
		mt := mediaType
		if parsed, ok := domain.ParseMediaType(res.MediaType); ok {
			mt = parsed
		}
		metadata = append(metadata, domain.MediaMetadata{
			ID:           res.ID,
			MediaType:    mt,
			Title:        firstNonEmpty(res.Title, res.Name),
			Overview:     res.Overview,
			ReleaseDate:  parseDate(firstNonEmpty(res.ReleaseDate, res.FirstAirDate)),
			Rating:       res.VoteAverage,
			PosterPath:   res.PosterPath,
			BackdropPath: res.BackdropPath,
		})
	}
	return metadata
}

// PosterURL turns a stored poster path into an image URL.
func PosterURL(path string) string {
	if path == "" {
		return ""
	}
	return "https://image.tmdb.org/t/p/w500" + path
}

func BackdropURL(path string) string {
	if path == "" {
		return ""
	}
	return "https://image.tmdb.org/t/p/original" + path
}

func parseDate(s string) time.Time {
	date, _ := time.Parse("2006-01-02", s)
	return date
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
