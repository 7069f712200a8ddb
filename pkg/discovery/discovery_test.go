package discovery

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	results   map[ScriptID][]string
	failures  map[ScriptID]error
	evaluated []ScriptID
	navigated []string
	scrolls   int
	hasColumn bool
}

func (p *fakePage) Navigate(_ context.Context, u string) error {
	p.navigated = append(p.navigated, u)
	return nil
}

func (p *fakePage) WaitForSelector(_ context.Context, _ string, _ time.Duration) bool {
	return p.hasColumn
}

func (p *fakePage) Evaluate(_ context.Context, script string, dst interface{}, _ ...interface{}) error {
	for id, src := range scripts {
		if src != script {
			continue
		}
		p.evaluated = append(p.evaluated, id)
		if err := p.failures[id]; err != nil {
			return err
		}
		*(dst.(*[]string)) = p.results[id]
		return nil
	}
	return errors.New("unknown script")
}

func (p *fakePage) Scroll(_ context.Context) error {
	p.scrolls++
	return nil
}

func newTestFinder(page *fakePage) *Finder {
	f := New(page)
	f.SettleDelay = 0
	f.ScrollDelay = 0
	return f
}

func TestParseHandle(t *testing.T) {
	tests := []struct {
		raw    string
		handle string
		ok     bool
	}{
		{"/jack", "jack", true},
		{"/Some_User1", "Some_User1", true},
		{"https://x.com/elonmusk", "elonmusk", true},
		{"https://twitter.com/nasa/", "nasa", true},
		{"@golang", "golang", true},
		{"/home", "", false},
		{"/Explore", "", false},
		{"/messages", "", false},
		{"/i", "", false},
		{"/jack/status/20", "", false},
		{"/hashtag/go", "", false},
		{"/search?q=go", "", false},
		{"/waytoolonghandle1234", "", false},
		{"/bad-handle", "", false},
		{"https://example.com/jack", "", false},
		{"", "", false},
		{"@", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			handle, ok := ParseHandle(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.handle, handle)
		})
	}
}

func TestNormalizeProfilesDedupesInOrder(t *testing.T) {
	raw := []string{"/bob", "/alice", "/home", "/Bob", "https://x.com/alice", "/carol/photo", "@dave"}

	got := NormalizeProfiles(raw)
	assert.Equal(t, []string{
		"https://x.com/bob",
		"https://x.com/alice",
		"https://x.com/dave",
	}, got)

	assert.NotNil(t, NormalizeProfiles(nil))
}

func TestFindCandidatesFallsBack(t *testing.T) {
	page := &fakePage{
		results: map[ScriptID][]string{
			ScriptArticleAuthor: {},
			ScriptUserCell:      {"/explore", "/notifications"},
			ScriptPrimaryColumnLinks: {
				"/alice", "/alice", "/bob",
			},
			ScriptHandleText: {"@never"},
		},
	}
	f := newTestFinder(page)

	got, err := f.FindCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/alice", "https://x.com/bob"}, got)
	assert.Equal(t, []ScriptID{ScriptArticleAuthor, ScriptUserCell, ScriptPrimaryColumnLinks}, page.evaluated)
}

func TestFindCandidatesPrimaryWins(t *testing.T) {
	page := &fakePage{
		results: map[ScriptID][]string{
			ScriptArticleAuthor: {"/alice"},
			ScriptUserCell:      {"/bob"},
		},
	}
	f := newTestFinder(page)

	got, err := f.FindCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/alice"}, got)
	assert.Len(t, page.evaluated, 1)
}

func TestFindCandidatesErrors(t *testing.T) {
	t.Run("one extractor fails", func(t *testing.T) {
		page := &fakePage{
			failures: map[ScriptID]error{ScriptArticleAuthor: errors.New("detached")},
			results:  map[ScriptID][]string{ScriptUserCell: {"/carol"}},
		}
		got, err := newTestFinder(page).FindCandidates(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"https://x.com/carol"}, got)
	})

	t.Run("nothing found", func(t *testing.T) {
		got, err := newTestFinder(&fakePage{}).FindCandidates(context.Background())
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("all extractors fail", func(t *testing.T) {
		boom := errors.New("page crashed")
		page := &fakePage{failures: map[ScriptID]error{
			ScriptArticleAuthor:      boom,
			ScriptUserCell:           boom,
			ScriptPrimaryColumnLinks: boom,
			ScriptHandleText:         boom,
		}}
		_, err := newTestFinder(page).FindCandidates(context.Background())
		assert.ErrorIs(t, err, boom)
	})
}

func TestCustomExtractorChain(t *testing.T) {
	page := &fakePage{results: map[ScriptID][]string{
		ScriptArticleAuthor: {"/alice"},
		ScriptHandleText:    {"@zed"},
	}}
	f := New(page, HandleText())
	f.SettleDelay = 0

	got, err := f.FindCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/zed"}, got)
}

func TestOpenSearch(t *testing.T) {
	page := &fakePage{}
	f := newTestFinder(page)

	require.NoError(t, f.OpenSearch(context.Background(), "golang jobs"))
	require.Len(t, page.navigated, 1)

	u, err := url.Parse(page.navigated[0])
	require.NoError(t, err)
	assert.Equal(t, "x.com", u.Host)
	assert.Equal(t, "/search", u.Path)
	assert.Equal(t, "golang jobs", u.Query().Get("q"))
	assert.Equal(t, "user", u.Query().Get("f"))

	require.NoError(t, f.ScrollForMore(context.Background()))
	assert.Equal(t, 1, page.scrolls)
}

func TestScriptsDefined(t *testing.T) {
	for _, ex := range DefaultExtractors() {
		assert.NotEmpty(t, ex.Script().Source(), ex.Name())
		assert.NotEqual(t, "unknown", ex.Name())
	}
	assert.Empty(t, ScriptID(99).Source())
	assert.Equal(t, "https://x.com/jack", ProfileURL("jack"))
	assert.Equal(t, "jack", HandleFromURL("https://x.com/jack"))
}
