package convert

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// The goldmark parser configuration never changes and the parser is safe
// to share; each Parse call keeps its own state.
var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})

	return markdownParserInstance
}

// parsedBody is the structure recovered from a markdown body.
type parsedBody struct {
	title          string
	firstParagraph string
	sections       []Section
}

// bodyParser walks the top-level blocks of a parsed document. Sections are
// flat: every heading except the first level-1 heading starts a new one.
type bodyParser struct {
	source []byte
	slugs  *slugger
	out    parsedBody

	cur      *Section
	curStart int
}

func parseBody(body []byte) parsedBody {
	document := getMarkdownParser().Parser().Parse(text.NewReader(body))

	p := &bodyParser{source: body, slugs: newSlugger()}

	for node := document.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			p.heading(n)
		case *ast.Paragraph:
			if p.out.firstParagraph == "" {
				p.out.firstParagraph = inlineText(n, body)
			}
		case *ast.List:
			if p.cur != nil {
				p.cur.Items = append(p.cur.Items, listItems(n, body)...)
			}
		case *extast.Table:
			if p.cur != nil {
				p.cur.Tables = append(p.cur.Tables, tableFrom(n, body))
			}
		}
	}

	p.closeSection(len(body))

	return p.out
}

func (p *bodyParser) heading(h *ast.Heading) {
	if h.Lines().Len() == 0 {
		// An empty ATX heading carries no position; it stays body text.
		return
	}

	start, end := headingBounds(p.source, h)
	title := inlineText(h, p.source)

	p.closeSection(start)

	if h.Level == 1 && p.out.title == "" {
		p.out.title = title

		return
	}

	p.cur = &Section{
		ID:    p.slugs.next(title),
		Title: title,
		Level: h.Level,
	}
	p.curStart = end
}

func (p *bodyParser) closeSection(end int) {
	if p.cur == nil {
		return
	}

	p.cur.Body = trimBlankLines(string(p.source[p.curStart:end]))
	p.out.sections = append(p.out.sections, *p.cur)
	p.cur = nil
}

// headingBounds returns the byte offset where the heading's first line
// starts and the offset just past its last line, including a setext
// underline.
func headingBounds(source []byte, h *ast.Heading) (start, end int) {
	lines := h.Lines()
	start = lineStart(source, lines.At(0).Start)
	end = lineEnd(source, max(lines.At(lines.Len()-1).Stop-1, start))

	if !isATX(source[start:]) && isSetextUnderline(source[end:]) {
		end = lineEnd(source, end)
	}

	return start, end
}

func isSetextUnderline(b []byte) bool {
	line, _, _ := bytes.Cut(b, []byte("\n"))
	line = bytes.TrimSpace(line)

	if len(line) == 0 {
		return false
	}

	return len(bytes.Trim(line, "=")) == 0 || len(bytes.Trim(line, "-")) == 0
}

func lineStart(source []byte, pos int) int {
	if pos > len(source) {
		pos = len(source)
	}

	return bytes.LastIndexByte(source[:pos], '\n') + 1
}

// lineEnd returns the offset just past the newline ending the line that
// contains pos, or len(source) on the last line.
func lineEnd(source []byte, pos int) int {
	if pos >= len(source) {
		return len(source)
	}

	i := bytes.IndexByte(source[pos:], '\n')
	if i < 0 {
		return len(source)
	}

	return pos + i + 1
}

func isATX(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, " "), []byte("#"))
}

// trimBlankLines drops leading blank lines and trailing whitespace while
// keeping the indentation of the first content line.
func trimBlankLines(s string) string {
	for {
		line, rest, found := strings.Cut(s, "\n")
		if !found || strings.TrimSpace(line) != "" {
			break
		}

		s = rest
	}

	if strings.TrimSpace(s) == "" {
		return ""
	}

	return strings.TrimRight(s, " \t\r\n")
}

// inlineText collects the plain text of a node's inline descendants with
// whitespace collapsed.
func inlineText(node ast.Node, source []byte) string {
	var b strings.Builder

	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))

			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.AutoLink:
			b.Write(t.URL(source))

			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(b.String()), " ")
}

// listItems returns the text of each item's first block.
func listItems(list *ast.List, source []byte) []string {
	var items []string

	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if item.Kind() != ast.KindListItem {
			continue
		}

		block := item.FirstChild()
		if block == nil {
			continue
		}

		if s := inlineText(block, source); s != "" {
			items = append(items, s)
		}
	}

	return items
}

func tableFrom(table *extast.Table, source []byte) Table {
	var (
		header []string
		rows   [][]string
	)

	for child := table.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.Kind() {
		case extast.KindTableHeader:
			header = tableRowText(child, source)
		case extast.KindTableRow:
			rows = append(rows, tableRowText(child, source))
		}
	}

	columns := columnKeys(header)
	t := Table{Columns: columns, Rows: make([]map[string]any, 0, len(rows))}

	for _, cells := range rows {
		row := make(map[string]any, len(columns))

		for i, cell := range cells {
			if i >= len(columns) || cell == "" {
				continue
			}

			row[columns[i]] = parseCell(cell)
		}

		t.Rows = append(t.Rows, row)
	}

	return t
}

func tableRowText(row ast.Node, source []byte) []string {
	var cells []string

	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		if cell.Kind() == extast.KindTableCell {
			cells = append(cells, inlineText(cell, source))
		}
	}

	return cells
}

// columnKeys slugs header names into unique field keys.
func columnKeys(header []string) []string {
	keys := make([]string, len(header))
	used := make(map[string]bool, len(header))

	for i, h := range header {
		key := slugify(h, '_')
		if key == "" {
			key = "col_" + strconv.Itoa(i+1)
		}

		candidate := key
		for n := 2; used[candidate]; n++ {
			candidate = key + "_" + strconv.Itoa(n)
		}

		used[candidate] = true
		keys[i] = candidate
	}

	return keys
}
