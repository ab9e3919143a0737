package pipeline

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Telegram caps messages at 4096 characters; responses are chunked at a
// slightly lower bound to leave room for closing tags.
const telegramChunkLimit = 4000

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9]*\n)?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+)\*`)
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)
	mentionRe    = regexp.MustCompile(`@[A-Za-z0-9_]{5,32}`)
)

// renderTelegramHTML converts model markdown into Telegram's HTML
// flavour. Code spans are lifted out before entity escaping so their
// contents survive verbatim, and @mentions are shielded so formatting
// regexes never split a username.
func renderTelegramHTML(text string) string {
	var stash []string
	put := func(rendered string) string {
		stash = append(stash, rendered)
		return fmt.Sprintf("\x00%d\x00", len(stash)-1)
	}

	// Code first: nothing inside may be reinterpreted.
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		return put("<pre>" + html.EscapeString(strings.TrimRight(inner, "\n")) + "</pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := inlineCodeRe.FindStringSubmatch(m)[1]
		return put("<code>" + html.EscapeString(inner) + "</code>")
	})

	// Mentions are stashed untouched so the markdown passes below can
	// never break a username apart.
	text = mentionRe.ReplaceAllStringFunc(text, func(m string) string {
		return put(m)
	})

	text = html.EscapeString(text)

	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicRe.ReplaceAllString(text, "$1<i>$2</i>")

	// Restore stashed spans.
	for i := len(stash) - 1; i >= 0; i-- {
		text = strings.Replace(text, fmt.Sprintf("\x00%d\x00", i), stash[i], 1)
	}
	return strings.TrimSpace(text)
}

// chunkMessage splits a rendered message at the Telegram size limit,
// preferring paragraph then line boundaries. Every chunk is parseable
// on its own: cuts never land inside a tag, an entity or a rune, and
// tags left open at a cut are closed and reopened in the next chunk.
func chunkMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = telegramChunkLimit
	}
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n\n")
		if cut < limit/2 {
			cut = strings.LastIndex(text[:limit], "\n")
		}
		if cut < limit/2 {
			cut = safeCut(text, limit)
		}
		if cut <= 0 {
			cut = limit
		}
		chunk := strings.TrimSpace(text[:cut])
		rest := strings.TrimSpace(text[cut:])
		open := openTags(chunk)
		for i := len(open) - 1; i >= 0; i-- {
			chunk += "</" + tagName(open[i]) + ">"
		}
		chunks = append(chunks, chunk)
		text = strings.Join(open, "") + rest
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// safeCut backs a hard cut position off any tag, entity or multi-byte
// rune it would otherwise split.
func safeCut(text string, cut int) int {
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if i := strings.LastIndexByte(text[:cut], '<'); i >= 0 && !strings.Contains(text[i:cut], ">") {
		cut = i
	}
	// Escaped entities are at most a handful of bytes; a '&' further
	// back than that is ordinary text.
	if i := strings.LastIndexByte(text[:cut], '&'); i >= 0 && cut-i <= 8 && !strings.Contains(text[i:cut], ";") {
		cut = i
	}
	return cut
}

var chunkTagRe = regexp.MustCompile(`</?(?:b|i|code|pre|a)(?: [^>]*)?>`)

// openTags returns the opening tags still unclosed at the end of s, in
// opening order.
func openTags(s string) []string {
	var open []string
	for _, m := range chunkTagRe.FindAllString(s, -1) {
		if strings.HasPrefix(m, "</") {
			if len(open) > 0 {
				open = open[:len(open)-1]
			}
		} else {
			open = append(open, m)
		}
	}
	return open
}

func tagName(tag string) string {
	trimmed := strings.TrimPrefix(tag, "<")
	if i := strings.IndexAny(trimmed, " >"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}
