package server_test

import (
	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/query"
	"PegLedger/internal/server"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")

type stubStore struct{}

func (stubStore) Watermark(context.Context) (int64, error) { return 12, nil }
func (stubStore) Balances(_ context.Context, account uuid.UUID) ([]query.BalanceRow, error) {
	return []query.BalanceRow{{AccountPath: "user:" + account.String() + ":available:0", Balance: 10}}, nil
}
func (stubStore) Bitassets(context.Context) ([]core.BitassetView, error) { return nil, nil }
func (stubStore) Bitasset(_ context.Context, symbol string) (*core.BitassetView, error) {
	if symbol == "USD" {
		return &core.BitassetView{AssetID: 1, Symbol: "USD", Precision: 4}, nil
	}
	return nil, query.ErrNotFound
}
func (stubStore) Fills(context.Context, uuid.UUID, int, *int64) ([]query.FillResponse, error) {
	return nil, nil
}
func (stubStore) Journals(context.Context, uuid.UUID, int, *int64) ([]query.JournalHistoryEntry, error) {
	return nil, nil
}
func (stubStore) Block(_ context.Context, height int64) (*query.BlockResponse, error) {
	if height == 3 {
		return &query.BlockResponse{Height: 3}, nil
	}
	return nil, query.ErrNotFound
}
func (stubStore) Integrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

type stubCore struct {
	head int64
}

func (c *stubCore) TakeSnapshot(context.Context) (int64, error) { return c.head, nil }
func (c *stubCore) PopBlock(context.Context) (int64, error) {
	if c.head == 0 {
		return 0, errors.New("no block to pop")
	}
	c.head--
	return c.head, nil
}

// newTestMux wires the routes with a block channel whose blocks at even
// heights are applied and odd ones rejected.
func newTestMux(t *testing.T) *runtime.ServeMux {
	t.Helper()
	blocks := make(chan ingestion.RawBlock)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-blocks:
				b, err := ingestion.ParseRawBlock(raw)
				if err == nil && b.Height%2 == 0 {
					raw.Ack()
				} else {
					raw.Nak()
				}
			}
		}
	}()

	deps := &server.ServerDeps{
		QueryService:  query.NewQueryService(stubStore{}, nil),
		IngestService: ingestion.NewAdminIngestService(blocks),
		Core:          &stubCore{head: 5},
	}
	mux := runtime.NewServeMux()
	require.NoError(t, server.RegisterRoutes(mux, deps, zerolog.Nop()))
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestRoutes_Balances(t *testing.T) {
	mux := newTestMux(t)

	code, body := do(t, mux, "GET", "/v1/accounts/"+alice.String()+"/balances", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(12), body["as_of_height"])
	assert.Len(t, body["assets"], 1)

	code, _ = do(t, mux, "GET", "/v1/accounts/not-a-uuid/balances", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRoutes_BitassetNotFound(t *testing.T) {
	mux := newTestMux(t)

	code, body := do(t, mux, "GET", "/v1/bitassets/USD", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "USD", body["symbol"])

	code, body = do(t, mux, "GET", "/v1/bitassets/EUR", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not found", body["error"])
}

func TestRoutes_BlockAndPaging(t *testing.T) {
	mux := newTestMux(t)

	code, _ := do(t, mux, "GET", "/v1/blocks/3", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, mux, "GET", "/v1/blocks/-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, mux, "GET", "/v1/blocks/99", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, mux, "GET", "/v1/accounts/"+alice.String()+"/fills?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, mux, "GET", "/v1/accounts/"+alice.String()+"/journals?limit=5&before_height=10", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRoutes_InjectBlock(t *testing.T) {
	mux := newTestMux(t)

	code, body := do(t, mux, "POST", "/v1/admin/blocks", `{"height":2,"timestamp_us":1700000000000000,"operations":[]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["height"])

	code, _ = do(t, mux, "POST", "/v1/admin/blocks", `{"height":3,"timestamp_us":1700000000000000,"operations":[]}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, mux, "POST", "/v1/admin/blocks", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRoutes_AdminCore(t *testing.T) {
	mux := newTestMux(t)

	code, body := do(t, mux, "POST", "/v1/admin/snapshot", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5), body["height"])

	code, body = do(t, mux, "POST", "/v1/admin/blocks/pop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(4), body["head_height"])

	code, body = do(t, mux, "GET", "/v1/admin/integrity", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_healthy"])
	assert.Equal(t, float64(12), body["as_of_height"])
}
