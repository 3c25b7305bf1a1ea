package params

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modulant/pkg/model"
)

var apiRoute = model.Route{
	Match: model.Match{Hostname: "example.com", Path: "/api/*"},
	Proxy: &model.Proxy{Target: "http://localhost:3000"},
}

func newProcessor(t *testing.T, cfg model.ParameterConfig) *Processor {
	t.Helper()
	origin, err := url.Parse("http://example.com")
	require.NoError(t, err)
	p, err := New(cfg, origin, nil)
	require.NoError(t, err)
	return p
}

func query(t *testing.T, out string) url.Values {
	t.Helper()
	u, err := url.Parse(out)
	require.NoError(t, err)
	return u.Query()
}

func TestProcessURLIdentity(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{})

	out := p.ProcessURL("http://example.com/api/test?b=2&a=1&b=3", apiRoute)
	assert.Equal(t, "http://localhost:3000/api/test?b=2&a=1&b=3", out)

	assert.Equal(t, out, p.ProcessURL(strings.Replace(out, "localhost:3000", "example.com", 1), apiRoute))
}

func TestProcessURLRelative(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{})
	assert.Equal(t, "http://localhost:3000/api/test?q=1", p.ProcessURL("/api/test?q=1#frag", apiRoute))
}

func TestFilterPatterns(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{FilterPatterns: []string{"^_internal_"}})

	q := query(t, p.ProcessURL("http://example.com/api/test?_internal_param=secret&public_param=visible", apiRoute))
	assert.NotContains(t, q, "_internal_param")
	assert.Equal(t, "visible", q.Get("public_param"))
}

func TestDefaultValues(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{DefaultValues: map[string]string{"default_param": "default_value"}})

	q := query(t, p.ProcessURL("http://example.com/api/test?x=1", apiRoute))
	assert.Equal(t, "default_value", q.Get("default_param"))
	assert.Equal(t, "1", q.Get("x"))

	q = query(t, p.ProcessURL("http://example.com/api/test?default_param=other", apiRoute))
	assert.Equal(t, []string{"other"}, q["default_param"])
}

func TestDefaultFillsFilteredKey(t *testing.T) {
	// 被过滤的键视为缺失，默认值仍会补上
	p := newProcessor(t, model.ParameterConfig{
		FilterPatterns: []string{"^token$"},
		DefaultValues:  map[string]string{"token": "anon"},
	})
	q := query(t, p.ProcessURL("http://example.com/api/test?token=secret", apiRoute))
	assert.Equal(t, []string{"anon"}, q["token"])
}

func TestTransformHooks(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{
		TransformHooks: map[string]model.TransformFunc{
			"uppercase": func(v string) (string, error) { return strings.ToUpper(v), nil },
			"failing":   func(v string) (string, error) { return "", errors.New("boom") },
			"panicking": func(v string) (string, error) { panic("boom") },
		},
	})

	q := query(t, p.ProcessURL("http://example.com/api/test?uppercase=hello&failing=keep&panicking=also", apiRoute))
	assert.Equal(t, "HELLO", q.Get("uppercase"))
	assert.Equal(t, "keep", q.Get("failing"))
	assert.Equal(t, "also", q.Get("panicking"))
}

func TestValidationRules(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{
		ParameterRules: map[string]model.ParameterRule{
			"pattern_param":  {Pattern: "^[0-9]+$"},
			"required_param": {Required: true},
			"custom_param":   {Validate: func(v string) bool { return v == "ok" }},
			"panic_param":    {Validate: func(v string) bool { panic("x") }},
		},
	})

	q := query(t, p.ProcessURL("http://example.com/api/test?pattern_param=abc&required_param=%20&custom_param=bad&panic_param=1&other=1", apiRoute))
	assert.NotContains(t, q, "pattern_param")
	assert.NotContains(t, q, "required_param")
	assert.NotContains(t, q, "custom_param")
	assert.NotContains(t, q, "panic_param")
	assert.Equal(t, "1", q.Get("other"))

	q = query(t, p.ProcessURL("http://example.com/api/test?pattern_param=123&required_param=x&custom_param=ok", apiRoute))
	assert.Equal(t, "123", q.Get("pattern_param"))
	assert.Equal(t, "x", q.Get("required_param"))
	assert.Equal(t, "ok", q.Get("custom_param"))
}

func TestValidationRunsOnTransformedValue(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{
		TransformHooks: map[string]model.TransformFunc{
			"id": func(v string) (string, error) { return strings.TrimPrefix(v, "id-"), nil },
		},
		ParameterRules: map[string]model.ParameterRule{"id": {Pattern: "^[0-9]+$"}},
	})

	q := query(t, p.ProcessURL("http://example.com/api/test?id=id-42", apiRoute))
	assert.Equal(t, "42", q.Get("id"))
}

func TestPathRewriteApplied(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{})
	route := model.Route{
		Match: model.Match{Hostname: "example.com", Path: "/api/*"},
		Proxy: &model.Proxy{Target: "http://localhost:4000", PathRewrite: "/proxy$1"},
	}
	assert.Equal(t, "http://localhost:4000/proxy/users?a=1", p.ProcessURL("http://example.com/api/users?a=1", route))
}

func TestFailOpen(t *testing.T) {
	p := newProcessor(t, model.ParameterConfig{})

	nav := model.Route{Match: model.Match{Hostname: "example.com", Path: "/docs/*"}}
	assert.Equal(t, "http://example.com/docs/a?x=1", p.ProcessURL("http://example.com/docs/a?x=1", nav))

	assert.Equal(t, "http://[::1", p.ProcessURL("http://[::1", apiRoute))
}

func TestNewRejectsInvalidPatterns(t *testing.T) {
	_, err := New(model.ParameterConfig{FilterPatterns: []string{"("}}, nil, nil)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeParamError))

	_, err = New(model.ParameterConfig{ParameterRules: map[string]model.ParameterRule{"a": {Pattern: "["}}}, nil, nil)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.CodeParamError))
}

func TestParseQueryKeepsOrderAndDuplicates(t *testing.T) {
	v := ParseQuery("?z=1&a=2&z=3&empty=&flag&sp=a+b")
	require.Len(t, v, 6)
	assert.Equal(t, Pair{"z", "1"}, v[0])
	assert.Equal(t, Pair{"a", "2"}, v[1])
	assert.Equal(t, Pair{"z", "3"}, v[2])
	assert.Equal(t, Pair{"empty", ""}, v[3])
	assert.Equal(t, Pair{"flag", ""}, v[4])
	assert.Equal(t, Pair{"sp", "a b"}, v[5])
	assert.Equal(t, "z=1&a=2&z=3&empty=&flag=&sp=a+b", v.Encode())
}
