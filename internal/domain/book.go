package domain

import "time"

// Book is a finished storybook: metadata plus stored illustration URLs.
type Book struct {
	ID            string
	JobID         string
	UserKey       string
	Title         string
	TargetAge     TargetAge
	Style         Style
	Theme         Theme
	Language      string
	PageCount     int
	CoverImageURL string
	CharacterID   string
	SeriesKey     string
	CreatedAt     time.Time
}

// Page is one stored page of a finished book.
type Page struct {
	BookID      string
	PageNumber  int
	Text        string
	ImageURL    string
	ImagePrompt string
}

// BookSummary is the library-listing projection of a book.
type BookSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Style         Style     `json:"style"`
	CoverImageURL string    `json:"cover_image_url"`
	PageCount     int       `json:"page_count"`
	CreatedAt     time.Time `json:"created_at"`
}
