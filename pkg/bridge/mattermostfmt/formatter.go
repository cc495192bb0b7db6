// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to Matrix HTML for the
// Mattermost -> Matrix relay direction.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage is the Matrix-ready rendering of a Mattermost message.
// FormattedBody is empty when the input carried no markdown.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(?:^|[^*])_(.+?)_(?:[^*]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
)

type codeBlock struct {
	lang    string
	content string
}

// Parse converts a Mattermost markdown message to Matrix event content.
// Plain messages pass through with only a Body so clients render them
// without an HTML fallback.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	if !hasMarkdown(text) {
		return &ParsedMessage{Body: text}
	}

	processed, blocks := extractCodeBlocks(text)
	formatted := renderBlockElements(processed)
	formatted = applyInline(formatted)
	formatted = restoreCodeBlocks(formatted, blocks)

	// Paragraphs from double newlines, <br/> for the rest.
	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func hasMarkdown(text string) bool {
	return boldRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		headingRe.MatchString(text) ||
		blockquoteRe.MatchString(text) ||
		ulRe.MatchString(text) ||
		olRe.MatchString(text)
}

// extractCodeBlocks replaces fenced code blocks with placeholders so the
// block and inline passes cannot touch their contents.
func extractCodeBlocks(text string) (string, []codeBlock) {
	var blocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		var cb codeBlock
		if len(parts) >= 3 {
			cb = codeBlock{lang: parts[1], content: parts[2]}
		} else if len(parts) >= 2 {
			cb = codeBlock{content: parts[1]}
		}
		idx := len(blocks)
		blocks = append(blocks, cb)
		return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
	})
	return processed, blocks
}

// renderBlockElements handles line-scoped structure: blockquotes, headings
// and lists. Adjacent list items of the same kind collapse into one list.
func renderBlockElements(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	var listType string // "ul", "ol", or ""
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<"+listType+">"+strings.Join(listItems, "")+"</"+listType+">")
		listItems = nil
		listType = ""
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}
		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			lvl := strconv.Itoa(min(len(m[1]), 6))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}
		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	return strings.Join(result, "\n")
}

// applyInline converts inline markdown spans and links. Links only keep
// safe URL schemes; anything else renders as plain text.
func applyInline(text string) string {
	text = codeRe.ReplaceAllString(text, "<code>$1</code>")
	text = boldRe.ReplaceAllString(text, "<strong>$1</strong>")
	text = italicRe.ReplaceAllString(text, "<em>$1</em>")
	text = strikeRe.ReplaceAllString(text, "<del>$1</del>")

	return linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})
}

func restoreCodeBlocks(text string, blocks []codeBlock) string {
	for i, cb := range blocks {
		placeholder := "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
		escaped := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escaped + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escaped + `</code></pre>`
		}
		text = strings.Replace(text, placeholder, replacement, 1)
	}
	return text
}
