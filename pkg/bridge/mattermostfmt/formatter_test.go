// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
)

func TestParseEmpty(t *testing.T) {
	t.Parallel()
	result := Parse("")
	if result.Body != "" {
		t.Errorf("empty input Body: got %q", result.Body)
	}
	if result.FormattedBody != "" {
		t.Errorf("empty input FormattedBody: got %q", result.FormattedBody)
	}
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()
	result := Parse("hello world")
	if result.Body != "hello world" {
		t.Errorf("Body: got %q, want %q", result.Body, "hello world")
	}
	if result.Format != "" {
		t.Errorf("plain text should have no format, got %q", result.Format)
	}
	if result.FormattedBody != "" {
		t.Errorf("plain text should have no FormattedBody, got %q", result.FormattedBody)
	}
}

func TestParseBold(t *testing.T) {
	t.Parallel()
	result := Parse("**bold text**")
	if result.Format != event.FormatHTML {
		t.Errorf("Format: got %q, want %q", result.Format, event.FormatHTML)
	}
	if result.Body != "**bold text**" {
		t.Errorf("Body should preserve original: got %q", result.Body)
	}
	if !strings.Contains(result.FormattedBody, "<strong>bold text</strong>") {
		t.Errorf("FormattedBody: got %q, want to contain <strong>bold text</strong>", result.FormattedBody)
	}
}

func TestParseStrikethrough(t *testing.T) {
	t.Parallel()
	result := Parse("~~deleted~~")
	if !strings.Contains(result.FormattedBody, "<del>deleted</del>") {
		t.Errorf("FormattedBody: got %q, want to contain <del>deleted</del>", result.FormattedBody)
	}
}

func TestParseInlineCode(t *testing.T) {
	t.Parallel()
	result := Parse("use `fmt.Println`")
	if !strings.Contains(result.FormattedBody, "<code>fmt.Println</code>") {
		t.Errorf("FormattedBody: got %q, want to contain <code>", result.FormattedBody)
	}
}

func TestParseCodeBlockWithLanguage(t *testing.T) {
	t.Parallel()
	input := "```go\nfmt.Println(\"hi\")\n```"
	result := Parse(input)
	if result.Body != input {
		t.Errorf("Body should preserve original: got %q", result.Body)
	}
	if !strings.Contains(result.FormattedBody, `class="language-go"`) {
		t.Errorf("should contain language class, got %q", result.FormattedBody)
	}
}

func TestParseCodeBlockNoLanguage(t *testing.T) {
	t.Parallel()
	result := Parse("```\nsome code\n```")
	if strings.Contains(result.FormattedBody, "class=") {
		t.Errorf("plain code block should have no class, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "<pre><code>") {
		t.Errorf("should contain <pre><code>, got %q", result.FormattedBody)
	}
}

func TestParseCodeBlockContentUntouched(t *testing.T) {
	t.Parallel()
	result := Parse("```\n**not bold** _not italic_\n```")
	if strings.Contains(result.FormattedBody, "<strong>") || strings.Contains(result.FormattedBody, "<em>") {
		t.Errorf("code block content must not be formatted, got %q", result.FormattedBody)
	}
}

func TestParseLink(t *testing.T) {
	t.Parallel()
	result := Parse("[example](https://example.com)")
	expected := `<a href="https://example.com">example</a>`
	if !strings.Contains(result.FormattedBody, expected) {
		t.Errorf("FormattedBody: got %q, want to contain %q", result.FormattedBody, expected)
	}
}

func TestParseLinkJavascriptFiltered(t *testing.T) {
	t.Parallel()
	result := Parse("[click](javascript:alert(1))")
	if strings.Contains(result.FormattedBody, "javascript:") {
		t.Errorf("javascript: URL should be filtered, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.Body, "click") || !strings.Contains(result.Body, "javascript") {
		t.Errorf("Body should preserve original text, got %q", result.Body)
	}
}

func TestParseLinkDataURIFiltered(t *testing.T) {
	t.Parallel()
	result := Parse("[img](data:text/html,x)")
	if strings.Contains(result.FormattedBody, "data:") {
		t.Errorf("data: URL should be filtered, got %q", result.FormattedBody)
	}
}

func TestParseHeading(t *testing.T) {
	t.Parallel()
	result := Parse("## Section Title")
	if !strings.Contains(result.FormattedBody, "<h2>") {
		t.Errorf("FormattedBody should contain <h2>, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "Section Title") {
		t.Errorf("FormattedBody should contain heading text, got %q", result.FormattedBody)
	}
}

func TestParseBlockquote(t *testing.T) {
	t.Parallel()
	result := Parse("> quoted text")
	if !strings.Contains(result.FormattedBody, "<blockquote>quoted text</blockquote>") {
		t.Errorf("FormattedBody should contain blockquote, got %q", result.FormattedBody)
	}
}

func TestParseUnorderedList(t *testing.T) {
	t.Parallel()
	result := Parse("- item one\n- item two")
	if !strings.Contains(result.FormattedBody, "<ul>") {
		t.Errorf("should contain <ul>, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "<li>item one</li>") {
		t.Errorf("should contain <li>item one</li>, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "<li>item two</li>") {
		t.Errorf("should contain <li>item two</li>, got %q", result.FormattedBody)
	}
}

func TestParseOrderedList(t *testing.T) {
	t.Parallel()
	result := Parse("1. first\n2. second")
	if !strings.Contains(result.FormattedBody, "<ol>") {
		t.Errorf("should contain <ol>, got %q", result.FormattedBody)
	}
	if !strings.Contains(result.FormattedBody, "<li>first</li>") {
		t.Errorf("should contain <li>first</li>, got %q", result.FormattedBody)
	}
}

func TestParseEscapesHTML(t *testing.T) {
	t.Parallel()
	result := Parse("**bold** and <script>alert(1)</script>")
	if strings.Contains(result.FormattedBody, "<script>") {
		t.Errorf("raw HTML must be escaped, got %q", result.FormattedBody)
	}
}
