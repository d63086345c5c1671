package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/susu3304/ledgerbot/internal/backup"
	"github.com/susu3304/ledgerbot/internal/export"
	"github.com/susu3304/ledgerbot/internal/ledger"
)

const (
	defaultTop    = 10
	defaultRecent = 20
	maxListParam  = 100
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Protected handlers
func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	top, err := intParam(r, "top", defaultTop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recent, err := intParam(r, "recent", defaultRecent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dash, err := a.store.DashboardSummary(r.Context(), top, recent)
	if err != nil {
		a.storeError(w, r, "dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (a *API) handlePeople(w http.ResponseWriter, r *http.Request) {
	var (
		people any
		err    error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		var limit int
		if limit, err = intParam(r, "limit", ledger.SearchLimit); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		people, err = a.store.SearchPeople(r.Context(), q, limit)
	} else {
		people, err = a.store.ListPeople(r.Context())
	}
	if err != nil {
		a.storeError(w, r, "list people", err)
		return
	}
	writeJSON(w, http.StatusOK, people)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var rng ledger.DateRange
	if rng.From, err = ledger.ParseDay(r.URL.Query().Get("from")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rng.To, err = ledger.ParseDay(r.URL.Query().Get("to")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	person, err := a.store.GetPerson(r.Context(), id)
	if err != nil {
		a.storeError(w, r, "history", err)
		return
	}
	txs, err := a.store.History(r.Context(), id, rng)
	if err != nil {
		a.storeError(w, r, "history", err)
		return
	}
	balance, err := a.store.Balance(r.Context(), id)
	if err != nil {
		a.storeError(w, r, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"person":       person,
		"balance":      balance,
		"transactions": txs,
	})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	f := ledger.ExportFilter{Scope: ledger.ExportScope(r.URL.Query().Get("scope"))}
	if f.Scope == "" {
		f.Scope = ledger.ScopeAll
	}
	if v := r.URL.Query().Get("person_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid person_id", http.StatusBadRequest)
			return
		}
		f.PersonID = id
	}

	rows, err := a.store.ExportTransactions(r.Context(), f)
	if err != nil {
		a.storeError(w, r, "export", err)
		return
	}
	data, err := export.CSV(rows)
	if err != nil {
		a.storeError(w, r, "export", err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(a.now())))
	_, _ = w.Write(data)
}

func (a *API) handleListBackups(w http.ResponseWriter, r *http.Request) {
	list, err := a.backups.List()
	if errors.Is(err, backup.ErrDisabled) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), "list backups failed", "err", err)
		http.Error(w, "failed to list backups", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	info, err := a.backups.Snapshot(r.Context())
	if errors.Is(err, backup.ErrDisabled) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), "manual backup failed", "op", "backup", "admin", claims.UserID, "err", err)
		http.Error(w, "backup failed", http.StatusInternalServerError)
		return
	}
	a.logger.Info(r.Context(), "manual backup written", "admin", claims.UserID, "name", info.Name)
	writeJSON(w, http.StatusCreated, info)
}

// storeError maps ledger errors to HTTP statuses.
func (a *API) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrPersonNotFound):
		http.Error(w, "person not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidScope):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Error(r.Context(), "request failed", "op", op, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxListParam {
		return 0, fmt.Errorf("invalid %s: must be between 0 and %d", name, maxListParam)
	}
	return n, nil
}
