package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTelegramHTML(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bold",
			in:   "this is **important** stuff",
			want: "this is <b>important</b> stuff",
		},
		{
			name: "italic",
			in:   "this is *subtle* stuff",
			want: "this is <i>subtle</i> stuff",
		},
		{
			name: "inlineCode",
			in:   "run `go build` first",
			want: "run <code>go build</code> first",
		},
		{
			name: "codeBlockKeepsContentVerbatim",
			in:   "```go\nif a < b {\n}\n```",
			want: "<pre>if a &lt; b {\n}</pre>",
		},
		{
			name: "link",
			in:   "see [docs](https://example.com/x) here",
			want: `see <a href="https://example.com/x">docs</a> here`,
		},
		{
			name: "escapesEntities",
			in:   "a < b & c > d",
			want: "a &lt; b &amp; c &gt; d",
		},
		{
			name: "mentionSurvivesFormatting",
			in:   "ask **@gryag_bot** about it",
			want: "ask <b>@gryag_bot</b> about it",
		},
		{
			name: "markdownInsideCodeIgnored",
			in:   "`**not bold**`",
			want: "<code>**not bold**</code>",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, renderTelegramHTML(tc.in))
		})
	}
}

func TestChunkMessageShortTextIsSingleChunk(t *testing.T) {
	chunks := chunkMessage("short reply", 4000)
	assert.Equal(t, []string{"short reply"}, chunks)
}

func TestChunkMessagePrefersParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("слово ", 20)
	text := para + "\n\n" + para + "\n\n" + para

	chunks := chunkMessage(text, len(para)+30)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), len(para)+30)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
	// Nothing is lost across the chunking.
	joined := strings.Join(chunks, " ")
	assert.Equal(t, len(strings.Fields(text)), len(strings.Fields(joined)))
}

func TestChunkMessageHardSplitsUnbrokenText(t *testing.T) {
	text := strings.Repeat("x", 9000)
	chunks := chunkMessage(text, 4000)
	assert.Len(t, chunks, 3)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 4000)
		total += len(c)
	}
	assert.Equal(t, 9000, total)
}

func TestChunkMessageDefaultLimit(t *testing.T) {
	text := strings.Repeat("y", 5000)
	chunks := chunkMessage(text, 0)
	assert.Len(t, chunks, 2)
}

func TestChunkMessageNeverCutsInsideTagOrEntity(t *testing.T) {
	// A run of entities straddling the limit must not be bisected.
	text := strings.Repeat("x", 95) + strings.Repeat("&amp;", 10)
	for _, c := range chunkMessage(text, 100) {
		assert.Equal(t, strings.Count(c, "&"), strings.Count(c, ";"))
	}

	// Same for a link tag sitting right on the boundary.
	text = strings.Repeat("x", 90) + `<a href="https://example.com/long/path">docs</a>`
	for _, c := range chunkMessage(text, 100) {
		assert.Equal(t, strings.Count(c, "<"), strings.Count(c, ">"))
	}
}

func TestChunkMessageClosesAndReopensSpanningTags(t *testing.T) {
	// A <pre> block longer than the limit is split on a newline inside
	// it; every chunk must still parse on its own.
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "line of code here")
	}
	text := "<pre>" + strings.Join(lines, "\n") + "</pre>"

	chunks := chunkMessage(text, 300)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.Equal(t, strings.Count(c, "<pre>"), strings.Count(c, "</pre>"))
		assert.True(t, strings.HasPrefix(c, "<pre>"))
		assert.True(t, strings.HasSuffix(c, "</pre>"))
	}
}

func TestChunkMessageCutsOnRuneBoundaries(t *testing.T) {
	text := strings.Repeat("я", 5000) // two bytes per rune
	for _, c := range chunkMessage(text, 4001) {
		assert.True(t, strings.HasPrefix(c, "я"))
		assert.Zero(t, len(c)%2)
	}
}
