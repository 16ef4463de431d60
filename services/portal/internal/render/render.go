package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

const DeterminismVersion = "export-v1"

// Export pages hold this many content lines. The export composes from the
// stored proposal sections, never from anything a client rendered.
const LinesPerPage = 44

type Section struct {
	ID      string
	Heading string
	Body    string
}

type Input struct {
	Title       string
	ClientName  string
	TotalAmount float64
	Sections    []Section
}

type Block struct {
	Lines []string
}

type Page struct {
	Lines []string
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Compose builds the document blocks: a title block followed by one block
// per section, with {{client_name}} and {{total_amount}} placeholders
// substituted. Unknown placeholders render empty.
func Compose(in Input) []Block {
	values := map[string]string{
		"client_name":  strings.TrimSpace(in.ClientName),
		"total_amount": fmt.Sprintf("%.2f", in.TotalAmount),
		"title":        strings.TrimSpace(in.Title),
	}

	blocks := []Block{}
	head := []string{strings.TrimSpace(in.Title)}
	if in.ClientName != "" {
		head = append(head, "Prepared for "+strings.TrimSpace(in.ClientName))
	}
	head = append(head, fmt.Sprintf("Total: %.2f", in.TotalAmount), "")
	blocks = append(blocks, Block{Lines: head})

	for _, sec := range in.Sections {
		body := substitute(sec.Body, values)
		lines := []string{}
		if strings.TrimSpace(sec.Heading) != "" {
			lines = append(lines, strings.TrimSpace(sec.Heading), "")
		}
		lines = append(lines, strings.Split(NormalizeText(body), "\n")...)
		// NormalizeText guarantees a trailing newline; drop the empty tail.
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}
		lines = append(lines, "")
		blocks = append(blocks, Block{Lines: lines})
	}
	return blocks
}

// Paginate lays blocks onto pages with a fixed line budget: before each
// block the remaining space is checked and a short block moves whole to the
// next page; a block taller than a full page splits across pages.
func Paginate(blocks []Block, linesPerPage int) []Page {
	if linesPerPage <= 0 {
		linesPerPage = LinesPerPage
	}
	pages := []Page{}
	cur := Page{}
	for _, b := range blocks {
		if len(b.Lines) == 0 {
			continue
		}
		remaining := linesPerPage - len(cur.Lines)
		if len(b.Lines) > remaining && len(b.Lines) <= linesPerPage {
			// forced page break: the block fits on a fresh page
			if len(cur.Lines) > 0 {
				pages = append(pages, cur)
				cur = Page{}
			}
		}
		for _, line := range b.Lines {
			if len(cur.Lines) == linesPerPage {
				pages = append(pages, cur)
				cur = Page{}
			}
			cur.Lines = append(cur.Lines, line)
		}
	}
	if len(cur.Lines) > 0 {
		pages = append(pages, cur)
	}
	if len(pages) == 0 {
		pages = append(pages, Page{})
	}
	return pages
}

func RenderText(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, NormalizeText(strings.Join(p.Lines, "\n")))
	}
	return strings.Join(parts, "\f")
}

func RenderHTML(pages []Page) string {
	var b strings.Builder
	for _, p := range pages {
		b.WriteString("<div class=\"page\">\n")
		text := strings.TrimSuffix(NormalizeText(strings.Join(p.Lines, "\n")), "\n")
		for _, para := range strings.Split(text, "\n\n") {
			escaped := html.EscapeString(para)
			escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
			b.WriteString("<p>" + escaped + "</p>\n")
		}
		b.WriteString("</div>\n")
	}
	return b.String()
}

func NormalizeText(in string) string {
	s := strings.ReplaceAll(in, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

func substitute(text string, values map[string]string) string {
	return placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
		match := placeholderRE.FindStringSubmatch(m)
		if len(match) != 2 {
			return ""
		}
		return values[match[1]]
	})
}
