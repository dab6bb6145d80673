package router

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// imageParser is shared across calls; goldmark instances are safe for
// concurrent use.
var imageParser = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ExtractImages pulls markdown image links out of text. It returns the
// text with the inline image syntax removed and the destinations in
// document order, deduplicated. Image syntax inside code blocks is not
// treated as an image.
func ExtractImages(input string) (string, []string) {
	if !strings.Contains(input, "![") {
		return input, nil
	}

	doc := imageParser.Parser().Parse(text.NewReader([]byte(input)))

	var images []string
	seen := make(map[string]bool)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok {
			dest := string(img.Destination)
			if dest != "" && !seen[dest] {
				seen[dest] = true
				images = append(images, dest)
			}
		}
		return ast.WalkContinue, nil
	})

	if len(images) == 0 {
		return input, nil
	}

	cleaned := input
	for _, dest := range images {
		re := regexp.MustCompile(`!\[[^\]]*\]\(\s*` + regexp.QuoteMeta(dest) + `(?:\s+"[^"]*")?\s*\)`)
		cleaned = re.ReplaceAllString(cleaned, "")
	}
	return collapseBlankLines(cleaned), images
}

// collapseBlankLines squeezes the holes image removal leaves behind.
func collapseBlankLines(s string) string {
	s = strings.TrimSpace(s)
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}
