package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storybook/internal/domain"
)

// CharactersCreate saves a character sheet for reuse across books. The body
// is the sheet itself.
func (a *App) CharactersCreate(w http.ResponseWriter, r *http.Request) {
	var sheet domain.CharacterSheet
	if err := json.NewDecoder(r.Body).Decode(&sheet); err != nil {
		a.error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload")
		return
	}
	if err := sheet.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "INVALID_CHARACTER", err.Error())
		return
	}

	c := &domain.Character{
		ID:      domain.NewCharacterID(a.Clock.Now()),
		UserKey: a.userKey(r),
		Name:    sheet.Name,
		Sheet:   sheet,
	}
	if err := a.Characters.Create(r.Context(), c); err != nil {
		a.Log.Error().Err(err).Msg("api: create character failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to save character")
		return
	}
	a.json(w, http.StatusCreated, characterPayload(c))
}

func (a *App) CharactersList(w http.ResponseWriter, r *http.Request) {
	chars, err := a.Characters.ListByUser(r.Context(), a.userKey(r))
	if err != nil {
		a.Log.Error().Err(err).Msg("api: list characters failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load characters")
		return
	}
	items := make([]map[string]any, 0, len(chars))
	for i := range chars {
		items = append(items, characterPayload(&chars[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) CharactersGet(w http.ResponseWriter, r *http.Request) {
	c, err := a.Characters.GetByID(r.Context(), chi.URLParam(r, "character_id"))
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "NOT_FOUND", "character not found")
		return
	}
	if err != nil {
		a.Log.Error().Err(err).Msg("api: load character failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load character")
		return
	}
	if c.UserKey != a.userKey(r) {
		a.error(w, http.StatusNotFound, "NOT_FOUND", "character not found")
		return
	}
	a.json(w, http.StatusOK, characterPayload(c))
}

func characterPayload(c *domain.Character) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"sheet":      c.Sheet,
		"created_at": c.CreatedAt,
	}
}
