package registry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, args Args) (any, error) {
	return args, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newFixture(t *testing.T, opts ...Option) *Registry {
	t.Helper()

	reg := New(opts...)
	require.NoError(t, reg.Register(Descriptor{URI: "mcp://slaConfig", Description: "SLA", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{
		URI:     "mcp://projectLicenseDetails/{project_id}",
		Params:  []Param{{Name: "project_id", Type: Integer}},
		Handler: echoHandler,
	}))
	require.NoError(t, reg.Register(Descriptor{
		URI:     "aiModelInfo/{provider}/{modelName}",
		Handler: echoHandler,
	}))
	return reg
}

func TestRegisterDefaultsNameAndScheme(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)
	tools := reg.Tools()
	require.Len(t, tools, 3)

	assert.Equal(t, "slaConfig", tools[0].Name)
	assert.Equal(t, "mcp://slaConfig", tools[0].URI)
	assert.Equal(t, "application/json", tools[0].MimeType)
	assert.Equal(t, "aiModelInfo", tools[2].Name)
	assert.Equal(t, "mcp://aiModelInfo/{provider}/{modelName}", tools[2].URI)
}

func TestRegisterRejectsInvalidTemplates(t *testing.T) {
	t.Parallel()

	cases := map[string]Descriptor{
		"empty":              {URI: "", Handler: echoHandler},
		"empty segment":      {URI: "a//b", Handler: echoHandler},
		"partial":            {URI: "a/x{id}", Handler: echoHandler},
		"unnamed":            {URI: "a/{}", Handler: echoHandler},
		"repeated":           {URI: "a/{id}/{id}", Handler: echoHandler},
		"query":              {URI: "a?b=1", Handler: echoHandler},
		"leading param":      {URI: "{id}", Handler: echoHandler},
		"foreign scheme":     {URI: "http://a", Handler: echoHandler},
		"no handler":         {URI: "a"},
		"required extra arg": {URI: "a", Params: []Param{{Name: "page"}}, Handler: echoHandler},
	}

	for name, d := range cases {
		d := d
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := New().Register(d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTemplate), err.Error())
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	cases := map[string]Descriptor{
		"same literal":       {URI: "slaConfig", Handler: echoHandler},
		"renamed param":      {URI: "projectLicenseDetails/{id}", Name: "other", Handler: echoHandler},
		"same tool name":     {URI: "elsewhere", Name: "slaConfig", Handler: echoHandler},
		"scheme is ignored":  {URI: "mcp://slaConfig", Name: "sla2", Handler: echoHandler},
		"two renamed params": {URI: "aiModelInfo/{a}/{b}", Name: "x", Handler: echoHandler},
	}

	for name, d := range cases {
		d := d
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			reg := newFixture(t)
			err := reg.Register(d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDuplicateIdentifier))
		})
	}
}

func TestRegisterDerivesDistinctNames(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(Descriptor{URI: "mcp://x", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "mcp://x/{id}", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "x/{id}/y", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "x/{id}/{other}", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "issues/open", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "w", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "elsewhere", Name: "w_id", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "w/{id}", Handler: echoHandler}))

	var names []string
	for _, d := range reg.Tools() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"x", "x_id", "x_y", "x_id_other", "issues_open", "w", "w_id", "w_id_2"}, names)

	match, err := reg.Resolve("mcp://x/7")
	require.NoError(t, err)
	assert.Equal(t, "x_id", match.Name)

	err = reg.Register(Descriptor{URI: "z", Name: "x", Handler: echoHandler})
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)
}

func TestRegisterAfterSealFails(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)
	reg.Seal()
	reg.Seal()
	assert.True(t, reg.Sealed())

	err := reg.Register(Descriptor{URI: "late", Handler: echoHandler})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestFirstLookupSeals(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)
	require.False(t, reg.Sealed())

	_, err := reg.Resolve("mcp://slaConfig")
	require.NoError(t, err)
	assert.True(t, reg.Sealed())
	assert.ErrorIs(t, reg.Register(Descriptor{URI: "late", Handler: echoHandler}), ErrRegistryClosed)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)

	cases := []struct {
		identifier string
		name       string
		bindings   []Binding
	}{
		{"mcp://slaConfig", "slaConfig", nil},
		{"slaConfig", "slaConfig", nil},
		{"mcp://projectLicenseDetails/482", "projectLicenseDetails", []Binding{{Name: "project_id", Value: "482"}}},
		{"mcp://aiModelInfo/OPENAI/gpt-4", "aiModelInfo", []Binding{{Name: "provider", Value: "OPENAI"}, {Name: "modelName", Value: "gpt-4"}}},
		{"mcp://aiModelInfo/OPENAI/gpt%2F4o%20mini", "aiModelInfo", []Binding{{Name: "provider", Value: "OPENAI"}, {Name: "modelName", Value: "gpt/4o mini"}}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.identifier, func(t *testing.T) {
			t.Parallel()
			match, err := reg.Resolve(tc.identifier)
			require.NoError(t, err)
			assert.Equal(t, tc.name, match.Name)
			assert.Equal(t, tc.bindings, match.Bindings)
		})
	}
}

func TestResolveSplitsQuery(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)
	match, err := reg.Resolve("mcp://slaConfig?team=core&team=infra")
	require.NoError(t, err)
	assert.Equal(t, "slaConfig", match.Name)
	assert.Equal(t, []string{"core", "infra"}, match.Query["team"])
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)

	for _, identifier := range []string{
		"mcp://unknown",
		"other://slaConfig",
		"mcp://",
		"mcp://projectLicenseDetails",
		"mcp://projectLicenseDetails/",
		"mcp://projectLicenseDetails/1/2",
		"mcp://slaConfig/extra",
		"mcp://aiModelInfo/OPENAI",
	} {
		identifier := identifier
		t.Run(identifier, func(t *testing.T) {
			t.Parallel()
			_, err := reg.Resolve(identifier)
			assert.ErrorIs(t, err, ErrResourceNotFound)
		})
	}
}

func TestLiteralWinsOverTemplate(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(Descriptor{URI: "issues/{id}", Name: "issue", Handler: echoHandler}))
	require.NoError(t, reg.Register(Descriptor{URI: "issues/open", Name: "openIssues", Handler: echoHandler}))

	match, err := reg.Resolve("issues/open")
	require.NoError(t, err)
	assert.Equal(t, "openIssues", match.Name)

	match, err = reg.Resolve("issues/7")
	require.NoError(t, err)
	assert.Equal(t, "issue", match.Name)
}

func TestCustomScheme(t *testing.T) {
	t.Parallel()

	reg := New(WithScheme("secinv://"))
	require.NoError(t, reg.Register(Descriptor{URI: "slaConfig", Handler: echoHandler}))

	assert.Equal(t, "secinv", reg.Scheme())
	assert.Equal(t, "secinv://slaConfig", reg.Resources()[0].URI)

	_, err := reg.Resolve("secinv://slaConfig")
	require.NoError(t, err)
	_, err = reg.Resolve("mcp://slaConfig")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

func TestDispatchCoercesBindings(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)
	result, err := reg.Dispatch(context.Background(), "mcp://projectLicenseDetails/482")
	require.NoError(t, err)

	args := result.(Args)
	assert.Equal(t, int64(482), args.Int("project_id"))
	assert.Equal(t, "482", args.String("project_id"))
}

func TestDispatchTypeMismatch(t *testing.T) {
	t.Parallel()

	called := false
	reg := New()
	require.NoError(t, reg.Register(Descriptor{
		URI:    "projectLicenseDetails/{project_id}",
		Params: []Param{{Name: "project_id", Type: Integer}},
		Handler: func(ctx context.Context, args Args) (any, error) {
			called = true
			return nil, nil
		},
	}))

	_, err := reg.Dispatch(context.Background(), "mcp://projectLicenseDetails/abc")
	assert.ErrorIs(t, err, ErrParameterTypeMismatch)
	assert.False(t, called)
}

func TestDispatchForwardsQuery(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(Descriptor{
		URI:     "vulnerability.searchIssues",
		Params:  []Param{{Name: "limit", Type: Integer, Optional: true}},
		Handler: echoHandler,
	}))

	result, err := reg.Dispatch(context.Background(), "mcp://vulnerability.searchIssues?severity=HIGH&limit=5")
	require.NoError(t, err)

	args := result.(Args)
	assert.Equal(t, "HIGH", args.Query.Get("severity"))
	assert.Equal(t, int64(5), args.Int("limit"))

	_, err = reg.Dispatch(context.Background(), "mcp://vulnerability.searchIssues?limit=many")
	assert.ErrorIs(t, err, ErrParameterTypeMismatch)
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend down")
	reg := New()
	require.NoError(t, reg.Register(Descriptor{
		URI: "slaConfig",
		Handler: func(ctx context.Context, args Args) (any, error) {
			return nil, boom
		},
	}))

	_, err := reg.Dispatch(context.Background(), "slaConfig")
	assert.Same(t, boom, err)
}

func TestDispatchPassesNullThrough(t *testing.T) {
	t.Parallel()

	reg := New()
	require.NoError(t, reg.Register(Descriptor{
		URI: "slaConfig",
		Handler: func(ctx context.Context, args Args) (any, error) {
			return nil, nil
		},
	}))

	result, err := reg.Dispatch(context.Background(), "mcp://slaConfig")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCall(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)

	cases := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr error
		want    int64
	}{
		{name: "number", tool: "projectLicenseDetails", args: map[string]any{"project_id": float64(482)}, want: 482},
		{name: "numeric string", tool: "projectLicenseDetails", args: map[string]any{"project_id": "482"}, want: 482},
		{name: "fraction", tool: "projectLicenseDetails", args: map[string]any{"project_id": 1.5}, wantErr: ErrParameterTypeMismatch},
		{name: "float beyond int64", tool: "projectLicenseDetails", args: map[string]any{"project_id": math.Pow(2, 63)}, wantErr: ErrParameterTypeMismatch},
		{name: "min int64 float", tool: "projectLicenseDetails", args: map[string]any{"project_id": -math.Pow(2, 63)}, want: math.MinInt64},
		{name: "word", tool: "projectLicenseDetails", args: map[string]any{"project_id": "abc"}, wantErr: ErrParameterTypeMismatch},
		{name: "object", tool: "projectLicenseDetails", args: map[string]any{"project_id": map[string]any{}}, wantErr: ErrParameterTypeMismatch},
		{name: "missing", tool: "projectLicenseDetails", args: nil, wantErr: ErrMissingParameter},
		{name: "blank", tool: "projectLicenseDetails", args: map[string]any{"project_id": " "}, wantErr: ErrMissingParameter},
		{name: "unknown tool", tool: "nope", wantErr: ErrResourceNotFound},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := reg.Call(context.Background(), tc.tool, tc.args)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, result.(Args).Int("project_id"))
		})
	}
}

func TestCallMatchesDispatch(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)

	viaResource, err := reg.Dispatch(context.Background(), "mcp://aiModelInfo/OPENAI/gpt-4")
	require.NoError(t, err)
	viaTool, err := reg.Call(context.Background(), "aiModelInfo", map[string]any{"provider": "OPENAI", "modelName": "gpt-4"})
	require.NoError(t, err)

	assert.Equal(t, viaResource.(Args).String("provider"), viaTool.(Args).String("provider"))
	assert.Equal(t, viaResource.(Args).String("modelName"), viaTool.(Args).String("modelName"))
}

func TestObserverSeesEveryDispatch(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	reg := newFixture(t, WithObserver(rec))

	_, _ = reg.Dispatch(context.Background(), "mcp://slaConfig")
	_, _ = reg.Dispatch(context.Background(), "mcp://missing")
	_, _ = reg.Call(context.Background(), "projectLicenseDetails", map[string]any{"project_id": "x"})

	events := rec.all()
	require.Len(t, events, 3)

	assert.Equal(t, "slaConfig", events[0].Name)
	assert.Equal(t, SurfaceResource, events[0].Surface)
	assert.NoError(t, events[0].Err)
	assert.NotEmpty(t, events[0].RequestID)

	assert.Empty(t, events[1].Name)
	assert.ErrorIs(t, events[1].Err, ErrResourceNotFound)

	assert.Equal(t, SurfaceTool, events[2].Surface)
	assert.ErrorIs(t, events[2].Err, ErrParameterTypeMismatch)
	assert.NotEqual(t, events[0].RequestID, events[2].RequestID)
}

func TestListings(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)

	resources := reg.Resources()
	require.Len(t, resources, 1)
	assert.Equal(t, "mcp://slaConfig", resources[0].URI)

	templates := reg.Templates()
	require.Len(t, templates, 2)
	assert.Equal(t, "projectLicenseDetails", templates[0].Name)
	assert.Equal(t, "aiModelInfo", templates[1].Name)
}

func TestInputSchema(t *testing.T) {
	t.Parallel()

	reg := newFixture(t)
	tools := reg.Tools()

	assert.Equal(t, map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}, tools[0].InputSchema())

	assert.Equal(t, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project_id": map[string]any{"type": "integer"},
		},
		"required": []string{"project_id"},
	}, tools[1].InputSchema())

	schema := tools[2].InputSchema()
	assert.Equal(t, []string{"provider", "modelName"}, schema["required"])
}

func TestConcurrentDispatch(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	reg := newFixture(t, WithObserver(rec))
	reg.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Dispatch(context.Background(), "mcp://projectLicenseDetails/7")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, rec.all(), 32)
}
