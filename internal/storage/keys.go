package storage

import "fmt"

// CoverKey is the canonical object key for a book's cover illustration.
func CoverKey(bookID string) string {
	return fmt.Sprintf("books/%s/cover.png", bookID)
}

// PageKey is the canonical object key for one page illustration.
func PageKey(bookID string, pageNumber int) string {
	return fmt.Sprintf("books/%s/pages/%02d.png", bookID, pageNumber)
}
