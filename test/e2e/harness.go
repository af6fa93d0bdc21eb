// Package e2e boots a complete storyloom instance and drives it over
// HTTP against scripted LLM and retrieval fakes.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rvastories/storyloom/pkg/api"
	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/engine"
	"github.com/rvastories/storyloom/pkg/llm/llmtest"
	"github.com/rvastories/storyloom/pkg/prompt"
	"github.com/rvastories/storyloom/pkg/store"
	"github.com/rvastories/storyloom/pkg/vector"
	"github.com/rvastories/storyloom/pkg/vector/vectortest"
)

// Route keys for scripting the fake LLM: distinctive substrings of the
// builtin system prompts, so scripted completions land on the call that
// asked for them.
const (
	depthRoute = "narrative depth analyst"
	coachRoute = "story development coach"
	hookRoute  = "opening hooks"
	ctaRoute   = "closing calls to action"
	finalRoute = "ghostwriter"
)

// TestApp boots a complete storyloom instance for e2e testing.
type TestApp struct {
	Store  store.Store
	LLM    *llmtest.Scripted
	Vector *vectortest.Scripted
	Engine *engine.Engine
	Server *api.Server

	// BaseURL points at the listener, e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// Clock is a controllable time source so tests can cross TTL deadlines
// without sleeping.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	llm    *llmtest.Scripted
	vec    *vectortest.Scripted
	ttl    time.Duration
	clock  *Clock
	styles map[string]*config.StyleConfig
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLMClient sets a pre-scripted LLM client.
func WithLLMClient(client *llmtest.Scripted) TestAppOption {
	return func(c *testAppConfig) { c.llm = client }
}

// WithRetriever sets a pre-seeded retrieval fake.
func WithRetriever(vec *vectortest.Scripted) TestAppOption {
	return func(c *testAppConfig) { c.vec = vec }
}

// WithSessionTTL overrides the default one-hour session TTL.
func WithSessionTTL(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.ttl = d }
}

// WithClock drives the session store from a controllable clock.
func WithClock(clock *Clock) TestAppOption {
	return func(c *testAppConfig) { c.clock = clock }
}

// WithStyles replaces the default style registry contents.
func WithStyles(styles map[string]*config.StyleConfig) TestAppOption {
	return func(c *testAppConfig) { c.styles = styles }
}

// NewTestApp creates and starts a full storyloom test instance on a
// random port. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{ttl: time.Hour}
	for _, opt := range opts {
		opt(tc)
	}

	if tc.llm == nil {
		tc.llm = llmtest.NewScripted()
	}
	if tc.vec == nil {
		tc.vec = vectortest.NewScripted(
			vector.Chunk{ID: "corpus-1", Text: "The Fan's rowhouses run shoulder to shoulder west of Belvidere.", Source: "richmond/fan.md"},
			vector.Chunk{ID: "corpus-2", Text: "Brown's Island hosts festivals where the canal meets the James.", Source: "richmond/downtown.md"},
		)
	}
	if tc.styles == nil {
		tc.styles = map[string]*config.StyleConfig{
			"short_post": {MaxTokens: 1024, Guidance: "One scene, one beat."},
			"blog_post":  {MaxTokens: 4096, Guidance: "Full piece with sections."},
		}
	}

	var st store.Store
	if tc.clock != nil {
		st = store.NewMemory(tc.ttl, store.WithClock(tc.clock.Now))
	} else {
		st = store.NewMemory(tc.ttl)
	}

	library, err := prompt.NewLibrary()
	require.NoError(t, err)

	styles := config.NewStyleRegistry(tc.styles)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	conv := config.SessionConfig{
		TTL:              tc.ttl,
		MinCoreIdeaChars: 10,
		DepthCutoff:      3.0,
		HookRetries:      1,
		CTARetries:       1,
	}

	eng := engine.New(st, tc.llm, library, styles, conv,
		engine.WithRetriever(tc.vec, 2),
		engine.WithLogger(logger),
	)

	server := api.NewServer(config.DefaultServerConfig(), eng, st, styles, logger, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Store:   st,
		LLM:     tc.llm,
		Vector:  tc.vec,
		Engine:  eng,
		Server:  server,
		BaseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		t:       t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = st.Close()
	})

	return app
}
