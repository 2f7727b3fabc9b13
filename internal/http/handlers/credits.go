package handlers

import (
	"net/http"

	"storybook/internal/domain"
)

// CreditsBalance reports the caller's account. The ledger provisions new
// accounts with the signup bonus on first read.
func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := a.Credits.Balance(r.Context(), a.userKey(r))
	if err != nil {
		a.Log.Error().Err(err).Msg("api: load balance failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, bal)
}

func (a *App) CreditsHistory(w http.ResponseWriter, r *http.Request) {
	items, err := a.Credits.History(r.Context(), a.userKey(r), 50)
	if err != nil {
		a.Log.Error().Err(err).Msg("api: load credit history failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "failed to load history")
		return
	}
	if items == nil {
		items = []domain.CreditTransaction{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
