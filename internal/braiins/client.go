// Package braiins talks to the GraphQL endpoint newer firmwares expose next
// to the line-JSON API. Schemas differ between builds, so the client
// introspects first and then walks a ranked list of candidate queries. The
// whole path is best-effort: any failure resolves to a nil result, never an
// error, because the protocol client remains the primary telemetry source.
package braiins

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

type Cred struct {
	Username string
	Password string
}

// Result is the outcome of one discovery pass.
type Result struct {
	// RootFields lists the schema's root query field names.
	RootFields []string
	// TypeFields maps introspected type name -> field names, for the types
	// most likely to carry telemetry.
	TypeFields map[string][]string
	// Query is the candidate that produced Data.
	Query string
	// Data is the first error-free candidate's data document. Loosely typed
	// on purpose: the remote schema is not contractually stable.
	Data map[string]any
}

type Client struct {
	http *http.Client
	log  *zap.Logger
}

func New(log *zap.Logger) *Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 1800 * time.Millisecond, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: 0,
	}
	return &Client{
		http: &http.Client{Timeout: requestTimeout, Transport: tr},
		log:  log,
	}
}

// Types worth introspecting once the root is known. Naming drifts across
// firmware versions and vendors, so several spellings are tried.
var telemetryTypes = []string{
	"Fan",
	"TemperatureCtl",
	"TempCtrl",
	"Temperature",
	"WorkSolver",
	"HashboardsStatus",
}

// Candidate data queries, most specific first. The first query that returns
// data with no GraphQL-level errors wins.
var candidates = []string{
	`{bosminer{info{fans{name rpm}}}}`,
	`{bosminer{info{workSolver{childSolvers{name temperatures{degreesC}}}}}}`,
	`{bosminer{info{workSolver{temperatures{degreesC}}}}}`,
	`{bos{info{version}}}`,
}

// Discover runs introspection and then the candidate ladder against host.
// Returns nil when the endpoint is absent, unauthorized, or never yields an
// error-free reply; callers must treat that as a normal case.
func (c *Client) Discover(ctx context.Context, host string, cred Cred) *Result {
	root, err := c.query(ctx, host, cred, `{__schema{queryType{fields{name}}}}`)
	if err != nil {
		c.log.Debug("graphql introspection unavailable", zap.String("host", host), zap.Error(err))
		return nil
	}

	res := &Result{TypeFields: map[string][]string{}}
	res.RootFields = rootFieldNames(root)

	for _, tn := range telemetryTypes {
		doc, err := c.query(ctx, host, cred, `{__type(name:"`+tn+`"){fields{name}}}`)
		if err != nil {
			continue
		}
		if names := typeFieldNames(doc); len(names) > 0 {
			res.TypeFields[tn] = names
		}
	}

	for _, q := range candidates {
		doc, err := c.query(ctx, host, cred, q)
		if err != nil {
			continue
		}
		res.Query = q
		res.Data = doc
		c.log.Debug("graphql candidate succeeded", zap.String("host", host), zap.String("query", q))
		return res
	}
	// Introspection worked but no data query did; still useful as liveness.
	return res
}

type gqlEnvelope struct {
	Data   map[string]any   `json:"data"`
	Errors []map[string]any `json:"errors"`
}

func (c *Client) query(ctx context.Context, host string, cred Cred, q string) (map[string]any, error) {
	body, _ := json.Marshal(map[string]string{"query": q})
	u := "http://" + host + "/graphql"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Close = true
	req.Header.Set("Connection", "close")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cred.Username != "" || cred.Password != "" {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{status: resp.Status}
	}

	var env gqlEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if len(env.Errors) > 0 {
		msg := "graphql errors"
		if s, ok := env.Errors[0]["message"].(string); ok {
			msg = s
		}
		return nil, &statusError{status: msg}
	}
	if env.Data == nil {
		return nil, &statusError{status: "empty data"}
	}
	return env.Data, nil
}

type statusError struct{ status string }

func (e *statusError) Error() string { return e.status }

func rootFieldNames(doc map[string]any) []string {
	schema, _ := doc["__schema"].(map[string]any)
	qt, _ := schema["queryType"].(map[string]any)
	return fieldNames(qt)
}

func typeFieldNames(doc map[string]any) []string {
	t, _ := doc["__type"].(map[string]any)
	return fieldNames(t)
}

func fieldNames(holder map[string]any) []string {
	if holder == nil {
		return nil
	}
	fs, _ := holder["fields"].([]any)
	var out []string
	for _, f := range fs {
		fm, ok := f.(map[string]any)
		if !ok {
			continue
		}
		if n, ok := fm["name"].(string); ok && n != "" {
			out = append(out, n)
		}
	}
	return out
}

// FanRPMs deep-scans the data document for plausible fan readings. Values
// outside 500..10000 RPM are discarded as sensor noise or unrelated fields.
func (r *Result) FanRPMs() []int {
	if r == nil || r.Data == nil {
		return nil
	}
	var out []int
	scanNumbers(r.Data, func(key string, v float64) {
		if strings.Contains(strings.ToLower(key), "rpm") && v >= 500 && v <= 10000 {
			out = append(out, int(v))
		}
	})
	return out
}

// BoardTemps deep-scans for degreesC-style readings in the 0..150 range.
func (r *Result) BoardTemps() []float64 {
	if r == nil || r.Data == nil {
		return nil
	}
	var out []float64
	scanNumbers(r.Data, func(key string, v float64) {
		kl := strings.ToLower(key)
		if (strings.Contains(kl, "degrees") || strings.Contains(kl, "temp")) && v > 0 && v < 150 {
			out = append(out, v)
		}
	})
	return out
}

func scanNumbers(v any, visit func(key string, val float64)) {
	switch x := v.(type) {
	case map[string]any:
		for k, vv := range x {
			if f, ok := vv.(float64); ok {
				visit(k, f)
				continue
			}
			scanNumbers(vv, visit)
		}
	case []any:
		for _, vv := range x {
			scanNumbers(vv, visit)
		}
	}
}
