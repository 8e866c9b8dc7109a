package server

import (
	"PegLedger/internal/ingestion"
	"PegLedger/internal/projection"
	"PegLedger/internal/query"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBlockBody = 4 << 20

// RegisterRoutes binds the query and admin routes on the gateway mux.
func RegisterRoutes(mux *runtime.ServeMux, deps *ServerDeps, logger zerolog.Logger) error {
	h := &handlers{deps: deps, logger: logger}
	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account}/balances", h.balances},
		{"GET", "/v1/accounts/{account}/fills", h.fills},
		{"GET", "/v1/accounts/{account}/journals", h.journals},
		{"GET", "/v1/bitassets", h.listBitassets},
		{"GET", "/v1/bitassets/{symbol}", h.bitasset},
		{"GET", "/v1/blocks/{height}", h.block},
		{"POST", "/v1/admin/blocks", h.injectBlock},
		{"POST", "/v1/admin/blocks/pop", h.popBlock},
		{"POST", "/v1/admin/snapshot", h.snapshot},
		{"POST", "/v1/admin/projections/rebuild", h.rebuildProjections},
		{"GET", "/v1/admin/integrity", h.integrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	deps   *ServerDeps
	logger zerolog.Logger
}

func (h *handlers) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := parseAccount(w, params)
	if !ok {
		return
	}
	resp, err := h.deps.QueryService.GetBalances(r.Context(), account)
	h.reply(w, resp, err)
}

func (h *handlers) fills(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := parseAccount(w, params)
	if !ok {
		return
	}
	limit, before, ok := parsePage(w, r)
	if !ok {
		return
	}
	resp, err := h.deps.QueryService.GetFills(r.Context(), account, limit, before)
	h.reply(w, resp, err)
}

func (h *handlers) journals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := parseAccount(w, params)
	if !ok {
		return
	}
	limit, before, ok := parsePage(w, r)
	if !ok {
		return
	}
	resp, err := h.deps.QueryService.GetJournalHistory(r.Context(), account, limit, before)
	h.reply(w, resp, err)
}

func (h *handlers) listBitassets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.deps.QueryService.ListBitassets(r.Context())
	h.reply(w, resp, err)
}

func (h *handlers) bitasset(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := h.deps.QueryService.GetBitasset(r.Context(), params["symbol"])
	h.reply(w, resp, err)
}

func (h *handlers) block(w http.ResponseWriter, r *http.Request, params map[string]string) {
	height, err := strconv.ParseInt(params["height"], 10, 64)
	if err != nil || height < 0 {
		writeError(w, http.StatusBadRequest, "invalid height")
		return
	}
	resp, err := h.deps.QueryService.GetBlock(r.Context(), height)
	h.reply(w, resp, err)
}

// --- Admin ---

func (h *handlers) injectBlock(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBlockBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	height, err := h.deps.IngestService.InjectBlock(r.Context(), body)
	switch {
	case errors.Is(err, ingestion.ErrBlockNotApplied):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && height == 0:
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.reply(w, nil, err)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "height": height})
	}
}

func (h *handlers) popBlock(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	head, err := h.deps.Core.PopBlock(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"head_height": head})
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	height, err := h.deps.Core.TakeSnapshot(r.Context())
	if err != nil {
		h.reply(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"height": height})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildBalances(r.Context(), h.deps.DB, h.logger); err != nil {
		h.reply(w, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (h *handlers) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.deps.QueryService.VerifyIntegrity(r.Context())
	h.reply(w, resp, err)
}

// --- helpers ---

func (h *handlers) reply(w http.ResponseWriter, v interface{}, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func parseAccount(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	id, err := uuid.Parse(params["account"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	q := r.URL.Query()
	var limit int
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return 0, nil, false
		}
		limit = n
	}
	var before *int64
	if s := q.Get("before_height"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_height")
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
