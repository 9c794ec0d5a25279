package braiins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gqlServer(t *testing.T, handler func(query string) (any, []any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, errs := handler(req.Query)
		resp := map[string]any{"data": data}
		if len(errs) > 0 {
			resp["errors"] = errs
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func host(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestDiscoverPicksFirstErrorFreeCandidate(t *testing.T) {
	srv := gqlServer(t, func(q string) (any, []any) {
		switch {
		case strings.Contains(q, "__schema"):
			return map[string]any{"__schema": map[string]any{"queryType": map[string]any{
				"fields": []any{map[string]any{"name": "bosminer"}, map[string]any{"name": "bos"}},
			}}}, nil
		case strings.Contains(q, "__type"):
			return map[string]any{"__type": nil}, nil
		case strings.Contains(q, "fans"):
			// first candidate fails at GraphQL level
			return nil, []any{map[string]any{"message": "unknown field fans"}}
		case strings.Contains(q, "childSolvers"):
			return map[string]any{"bosminer": map[string]any{"info": map[string]any{
				"workSolver": map[string]any{"childSolvers": []any{
					map[string]any{"name": "0", "temperatures": []any{map[string]any{"degreesC": 71.5}}},
					map[string]any{"name": "1", "temperatures": []any{map[string]any{"degreesC": 68.0}}},
				}},
			}}}, nil
		default:
			return map[string]any{}, nil
		}
	})

	c := New(zap.NewNop())
	res := c.Discover(context.Background(), host(srv), Cred{Username: "root", Password: "root"})
	require.NotNil(t, res)
	assert.Contains(t, res.RootFields, "bosminer")
	assert.Contains(t, res.Query, "childSolvers")
	assert.Equal(t, []float64{71.5, 68.0}, res.BoardTemps())
	assert.Empty(t, res.FanRPMs())
}

func TestDiscoverFanQuery(t *testing.T) {
	srv := gqlServer(t, func(q string) (any, []any) {
		switch {
		case strings.Contains(q, "__schema"):
			return map[string]any{"__schema": map[string]any{"queryType": map[string]any{
				"fields": []any{map[string]any{"name": "bosminer"}},
			}}}, nil
		case strings.Contains(q, `__type(name:"Fan")`):
			return map[string]any{"__type": map[string]any{"fields": []any{
				map[string]any{"name": "name"}, map[string]any{"name": "rpm"},
			}}}, nil
		case strings.Contains(q, "__type"):
			return map[string]any{"__type": nil}, nil
		case strings.Contains(q, "fans"):
			return map[string]any{"bosminer": map[string]any{"info": map[string]any{
				"fans": []any{
					map[string]any{"name": "fan0", "rpm": 4260.0},
					map[string]any{"name": "fan1", "rpm": 4140.0},
				},
			}}}, nil
		default:
			return map[string]any{}, nil
		}
	})

	c := New(zap.NewNop())
	res := c.Discover(context.Background(), host(srv), Cred{})
	require.NotNil(t, res)
	assert.Equal(t, []string{"name", "rpm"}, res.TypeFields["Fan"])
	assert.ElementsMatch(t, []int{4260, 4140}, res.FanRPMs())
}

func TestDiscoverEndpointAbsent(t *testing.T) {
	c := New(zap.NewNop())
	// closed port: must resolve to nil, not an error or panic
	res := c.Discover(context.Background(), "127.0.0.1:1", Cred{})
	assert.Nil(t, res)
}

func TestDiscoverUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := New(zap.NewNop())
	res := c.Discover(context.Background(), host(srv), Cred{Username: "root", Password: "wrong"})
	assert.Nil(t, res)
}

func TestRPMRangeFilter(t *testing.T) {
	r := &Result{Data: map[string]any{
		"fans": []any{
			map[string]any{"rpm": 120.0},   // below plausible range
			map[string]any{"rpm": 5000.0},  // ok
			map[string]any{"rpm": 60000.0}, // above plausible range
		},
	}}
	assert.Equal(t, []int{5000}, r.FanRPMs())
}
