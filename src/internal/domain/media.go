package domain

import (
	"strings"
	"time"
)

type MediaType string

const (
	MediaTypeMovie  MediaType = "movie"
	MediaTypeSeries MediaType = "tv"
)

// ParseMediaType accepts the TMDB path segment as well as the long names the
// web client sends.
func ParseMediaType(s string) (MediaType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie", "movies", "film":
		return MediaTypeMovie, true
	case "tv", "series", "show", "shows":
		return MediaTypeSeries, true
	}
	return "", false
}

type MediaMetadata struct {
	ID           int64     `json:"id"`
	MediaType    MediaType `json:"mediaType"`
	Title        string    `json:"title"`
	Overview     string    `json:"overview"`
	ReleaseDate  time.Time `json:"releaseDate"`
	Rating       float64   `json:"rating"` // 0-10
	Genres       []string  `json:"genres,omitempty"`
	PosterPath   string    `json:"posterPath,omitempty"`   // TMDB relative path, e.g. /abc.jpg
	BackdropPath string    `json:"backdropPath,omitempty"` // TMDB relative path
}

// FavoriteItem captures the display metadata of one title at the moment it
// was favorited. It is not refreshed when the upstream record changes.
type FavoriteItem struct {
	ID           int64     `json:"id" firestore:"id"`
	MediaType    MediaType `json:"mediaType,omitempty" firestore:"mediaType,omitempty"`
	Title        string    `json:"title" firestore:"title"`
	PosterPath   string    `json:"posterPath" firestore:"posterPath"`
	VoteAverage  float64   `json:"voteAverage" firestore:"voteAverage"`
	ReleaseDate  string    `json:"releaseDate" firestore:"releaseDate"` // YYYY-MM-DD, empty if unknown
	Overview     string    `json:"overview,omitempty" firestore:"overview,omitempty"`
	BackdropPath string    `json:"backdropPath,omitempty" firestore:"backdropPath,omitempty"`
}

// FavoriteItemFrom builds the denormalized snapshot stored in a favorites
// document.
func FavoriteItemFrom(m MediaMetadata) FavoriteItem {
	item := FavoriteItem{
		ID:           m.ID,
		MediaType:    m.MediaType,
		Title:        m.Title,
		PosterPath:   m.PosterPath,
		VoteAverage:  m.Rating,
		Overview:     m.Overview,
		BackdropPath: m.BackdropPath,
	}
	if !m.ReleaseDate.IsZero() {
		item.ReleaseDate = m.ReleaseDate.Format("2006-01-02")
	}
	return item
}
