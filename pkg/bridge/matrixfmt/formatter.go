// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts Matrix HTML to Mattermost markdown for the
// Matrix -> Mattermost relay direction.
package matrixfmt

import (
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	strongRe     = regexp.MustCompile(`<strong>(.*?)</strong>`)
	emRe         = regexp.MustCompile(`<em>(.*?)</em>`)
	delRe        = regexp.MustCompile(`<del>(.*?)</del>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Parse converts Matrix message content to Mattermost markdown. Plain-text
// messages pass through untouched.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	return ParseHTML(content.FormattedBody)
}

// ParseHTML converts a Matrix HTML body to Mattermost markdown.
func ParseHTML(text string) string {
	// Code blocks first so their content survives the later passes.
	text = preRe.ReplaceAllString(text, "```\n$1\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")

	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~~$1~~")
	text = linkRe.ReplaceAllString(text, "[$2]($1)")

	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", level) + " " + parts[2]
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		return renderList(match, func(int) string { return "- " })
	})
	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		return renderList(match, func(i int) string { return strconv.Itoa(i+1) + ". " })
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")

	// Strip whatever tags remain.
	text = tagRe.ReplaceAllString(text, "")

	return strings.TrimSpace(text)
}

// renderList converts the <li> items of a matched list into markdown lines
// using the given per-index bullet.
func renderList(match string, bullet func(i int) string) string {
	items := liRe.FindAllStringSubmatch(match, -1)
	lines := make([]string, 0, len(items))
	for i, item := range items {
		lines = append(lines, bullet(i)+strings.TrimSpace(item[1]))
	}
	return strings.Join(lines, "\n")
}
