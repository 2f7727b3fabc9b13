package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"storybook/internal/domain"
	"storybook/internal/storage"
	"storybook/pkg/zip"
)

type createBookRequest struct {
	domain.BookSpec
	IdempotencyKey string `json:"idempotency_key"`
}

func (a *App) BooksCreate(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload")
		return
	}
	userKey := a.userKey(r)
	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = r.Header.Get("X-Idempotency-Key")
	}

	job, replayed, err := a.Admission.Submit(r.Context(), userKey, req.BookSpec, idemKey)
	if err != nil {
		a.submitError(w, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	resp := jobPayload(job)
	if bal, err := a.Credits.Balance(r.Context(), userKey); err == nil {
		resp["credits_remaining"] = bal.Credits
	}
	a.json(w, status, resp)
}

func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.GetByID(r.Context(), chi.URLParam(r, "job_id"))
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("api: load job failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load job")
		return
	}
	if job.UserKey != a.userKey(r) {
		a.error(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	a.json(w, http.StatusOK, jobPayload(job))
}

type regeneratePageRequest struct {
	Target   domain.RegenTarget `json:"target"`
	Guidance string             `json:"guidance"`
}

func (a *App) PagesRegenerate(w http.ResponseWriter, r *http.Request) {
	pageNumber, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "BAD_REQUEST", "page number must be an integer")
		return
	}
	var req regeneratePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload")
		return
	}

	job, err := a.Admission.SubmitRegen(r.Context(), a.userKey(r), domain.RegenSpec{
		BookID:     chi.URLParam(r, "book_id"),
		PageNumber: pageNumber,
		Target:     req.Target,
		Guidance:   req.Guidance,
	})
	if err != nil {
		a.submitError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, jobPayload(job))
}

func (a *App) BooksGet(w http.ResponseWriter, r *http.Request) {
	book, ok := a.ownedBook(w, r)
	if !ok {
		return
	}
	pages, err := a.Books.GetPages(r.Context(), book.ID)
	if err != nil {
		a.Log.Error().Err(err).Str("book_id", book.ID).Msg("api: load pages failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load book")
		return
	}

	pageItems := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		pageItems = append(pageItems, map[string]any{
			"page_number": p.PageNumber,
			"text":        p.Text,
			"image_url":   p.ImageURL,
		})
	}
	resp := map[string]any{
		"id":              book.ID,
		"title":           book.Title,
		"target_age":      book.TargetAge,
		"style":           book.Style,
		"theme":           book.Theme,
		"language":        book.Language,
		"page_count":      book.PageCount,
		"cover_image_url": book.CoverImageURL,
		"created_at":      book.CreatedAt,
		"pages":           pageItems,
	}
	if book.CharacterID != "" {
		resp["character_id"] = book.CharacterID
	}
	if book.SeriesKey != "" {
		resp["series_key"] = book.SeriesKey
	}
	a.json(w, http.StatusOK, resp)
}

// BooksArchive streams the stored illustrations plus a metadata file as one
// zip download.
func (a *App) BooksArchive(w http.ResponseWriter, r *http.Request) {
	book, ok := a.ownedBook(w, r)
	if !ok {
		return
	}
	pages, err := a.Books.GetPages(r.Context(), book.ID)
	if err != nil {
		a.Log.Error().Err(err).Str("book_id", book.ID).Msg("api: load pages failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load book")
		return
	}

	assets := make([]zip.Asset, 0, len(pages)+2)
	cover, err := a.Store.Get(r.Context(), storage.CoverKey(book.ID))
	if err != nil {
		a.Log.Error().Err(err).Str("book_id", book.ID).Msg("api: read cover failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to read stored assets")
		return
	}
	assets = append(assets, zip.Asset{Filename: "cover.png", MIME: "image/png", Data: cover})

	type pageMeta struct {
		PageNumber int    `json:"page_number"`
		Text       string `json:"text"`
	}
	meta := struct {
		ID        string           `json:"id"`
		Title     string           `json:"title"`
		TargetAge domain.TargetAge `json:"target_age"`
		Style     domain.Style     `json:"style"`
		Theme     domain.Theme     `json:"theme"`
		Language  string           `json:"language"`
		Pages     []pageMeta       `json:"pages"`
	}{
		ID: book.ID, Title: book.Title, TargetAge: book.TargetAge,
		Style: book.Style, Theme: book.Theme, Language: book.Language,
	}

	for _, p := range pages {
		data, err := a.Store.Get(r.Context(), storage.PageKey(book.ID, p.PageNumber))
		if err != nil {
			a.Log.Error().Err(err).Str("book_id", book.ID).Int("page", p.PageNumber).Msg("api: read page image failed")
			a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to read stored assets")
			return
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("pages/%02d.png", p.PageNumber),
			MIME:     "image/png",
			Data:     data,
		})
		meta.Pages = append(meta.Pages, pageMeta{PageNumber: p.PageNumber, Text: p.Text})
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to build archive")
		return
	}
	assets = append(assets, zip.Asset{Filename: "book.json", MIME: "application/json", Data: metaJSON})

	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.Log.Error().Err(err).Str("book_id", book.ID).Msg("api: build archive failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to build archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.zip", book.ID))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (a *App) Library(w http.ResponseWriter, r *http.Request) {
	items, err := a.Books.ListByUser(r.Context(), a.userKey(r), 50)
	if err != nil {
		a.Log.Error().Err(err).Msg("api: list books failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load library")
		return
	}
	if items == nil {
		items = []domain.BookSummary{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// ownedBook loads the book in the URL and enforces ownership. Foreign books
// read as not found so the namespace leaks nothing.
func (a *App) ownedBook(w http.ResponseWriter, r *http.Request) (*domain.Book, bool) {
	book, err := a.Books.GetByID(r.Context(), chi.URLParam(r, "book_id"))
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "NOT_FOUND", "book not found")
		return nil, false
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("api: load book failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load book")
		return nil, false
	}
	if book.UserKey != a.userKey(r) {
		a.error(w, http.StatusNotFound, "NOT_FOUND", "book not found")
		return nil, false
	}
	return book, true
}

func jobPayload(job *domain.Job) map[string]any {
	p := map[string]any{
		"job_id":       job.ID,
		"kind":         job.Kind,
		"status":       job.Status,
		"progress":     job.Progress,
		"current_step": job.CurrentStep,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.Status == domain.JobStatusFailed {
		p["error"] = map[string]string{
			"code":    string(job.ErrorCode),
			"message": job.ErrorMessage,
		}
	}
	if job.BookID != "" {
		p["book_id"] = job.BookID
	}
	return p
}
