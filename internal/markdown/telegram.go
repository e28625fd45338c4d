// Package markdown converts assistant markdown output into the HTML subset
// Telegram accepts: b, i, s, u, code, pre and a tags.
package markdown

import (
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
)

// ToTelegramHTML renders markdown source as Telegram HTML. Constructs
// Telegram cannot display (headings, lists, block quotes) degrade to bold or
// plain lines; anything unrecognized is emitted as escaped text.
func ToTelegramHTML(source string) string {
	src := []byte(source)
	root := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	renderChildren(&b, root, src)
	return strings.TrimRight(b.String(), "\n")
}

func renderChildren(b *strings.Builder, n ast.Node, src []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		renderNode(b, c, src)
	}
}

func renderNode(b *strings.Builder, n ast.Node, src []byte) {
	switch v := n.(type) {
	case *ast.Heading:
		b.WriteString("<b>")
		renderChildren(b, v, src)
		b.WriteString("</b>\n\n")

	case *ast.Paragraph, *ast.TextBlock:
		renderChildren(b, n, src)
		b.WriteString("\n\n")

	case *ast.Text:
		b.WriteString(html.EscapeString(string(v.Segment.Value(src))))
		if v.SoftLineBreak() || v.HardLineBreak() {
			b.WriteString("\n")
		}

	case *ast.String:
		b.WriteString(html.EscapeString(string(v.Value)))

	case *ast.Emphasis:
		tag := "i"
		if v.Level >= 2 {
			tag = "b"
		}
		fmt.Fprintf(b, "<%s>", tag)
		renderChildren(b, v, src)
		fmt.Fprintf(b, "</%s>", tag)

	case *east.Strikethrough:
		b.WriteString("<s>")
		renderChildren(b, v, src)
		b.WriteString("</s>")

	case *ast.CodeSpan:
		b.WriteString("<code>")
		renderChildren(b, v, src)
		b.WriteString("</code>")

	case *ast.FencedCodeBlock:
		renderCodeBlock(b, v, src)

	case *ast.CodeBlock:
		renderCodeBlock(b, v, src)

	case *ast.Link:
		fmt.Fprintf(b, `<a href="%s">`, html.EscapeString(string(v.Destination)))
		renderChildren(b, v, src)
		b.WriteString("</a>")

	case *ast.AutoLink:
		url := string(v.URL(src))
		fmt.Fprintf(b, `<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(url))

	case *ast.List:
		renderList(b, v, src)
		b.WriteString("\n")

	case *ast.Blockquote:
		renderChildren(b, v, src)

	case *ast.ThematicBreak:
		b.WriteString("\n")

	default:
		renderChildren(b, n, src)
	}
}

// renderCodeBlock emits the raw lines of a code block inside pre tags.
func renderCodeBlock(b *strings.Builder, n ast.Node, src []byte) {
	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(src))
	}
	b.WriteString("<pre>")
	b.WriteString(html.EscapeString(strings.TrimRight(code.String(), "\n")))
	b.WriteString("</pre>\n\n")
}

// renderList flattens list items to plain prefixed lines, since Telegram has
// no list markup.
func renderList(b *strings.Builder, list *ast.List, src []byte) {
	index := list.Start
	if index == 0 {
		index = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if list.IsOrdered() {
			fmt.Fprintf(b, "%d. ", index)
			index++
		} else {
			b.WriteString("• ")
		}

		var inner strings.Builder
		renderChildren(&inner, item, src)
		b.WriteString(strings.TrimRight(inner.String(), "\n"))
		b.WriteString("\n")
	}
}

// Escape escapes text for inclusion in a Telegram HTML message.
func Escape(s string) string {
	return html.EscapeString(s)
}

// Split breaks text into chunks of at most limit runes, preferring line
// boundaries. A single overlong line becomes its own chunk.
func Split(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}

	var chunks []string
	var current strings.Builder

	for _, line := range strings.Split(s, "\n") {
		if current.Len() > 0 && current.Len()+len(line)+1 > limit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
