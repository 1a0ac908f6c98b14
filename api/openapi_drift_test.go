package api

import (
	"maps"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/polar/passkey"
	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/storage/memory"
	"github.com/jmcleod/polar/token"
)

// documentedOperations returns "METHOD /path" for every operation in the
// embedded OpenAPI document.
func documentedOperations(t *testing.T) map[string]struct{} {
	t.Helper()
	var doc struct {
		Paths map[string]map[string]yaml.Node `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "openapi.yaml must parse")

	ops := make(map[string]struct{})
	for path, item := range doc.Paths {
		for key := range item {
			switch method := strings.ToUpper(key); method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				ops[method+" "+path] = struct{}{}
			}
		}
	}
	return ops
}

// routedOperations returns "METHOD /path" for every API route on the
// router. Documentation endpoints describe the contract rather than
// belong to it.
func routedOperations(t *testing.T, router chi.Router) map[string]struct{} {
	t.Helper()
	ops := make(map[string]struct{})
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route != "/" {
			route = strings.TrimSuffix(route, "/")
		}
		switch {
		case route == "/api/openapi.yaml", route == "/metrics", strings.HasPrefix(route, "/api/docs"):
			return nil
		}
		ops[method+" "+route] = struct{}{}
		return nil
	})
	require.NoError(t, err)
	return ops
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	tokens, err := token.NewService([]byte(testSecret))
	require.NoError(t, err)
	store := memory.New()
	a := New(store, session.NewManager(tokens), passkey.NewService(nil, store, tokens))
	t.Cleanup(a.Close)

	documented := documentedOperations(t)
	routed := routedOperations(t, a.Router())
	require.NotEmpty(t, routed)

	var undocumented, stale []string
	for op := range routed {
		if _, ok := documented[op]; !ok {
			undocumented = append(undocumented, op)
		}
	}
	for op := range documented {
		if _, ok := routed[op]; !ok {
			stale = append(stale, op)
		}
	}
	slices.Sort(undocumented)
	slices.Sort(stale)

	assert.Empty(t, undocumented, "routes missing from openapi.yaml")
	assert.Empty(t, stale, "openapi.yaml operations with no route")
	assert.ElementsMatch(t, slices.Collect(maps.Keys(documented)), slices.Collect(maps.Keys(routed)))
}
