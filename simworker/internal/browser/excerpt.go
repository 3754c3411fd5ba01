package browser

import (
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Excerpt converts the main-content HTML of a page into markdown and caps it
// at maxChars runes. It returns "" when conversion fails or maxChars <= 0.
func Excerpt(html, pageURL string, maxChars int) string {
	if maxChars <= 0 || strings.TrimSpace(html) == "" {
		return ""
	}
	md, err := mdConverter.ConvertString(html, converter.WithDomain(pageURL))
	if err != nil {
		return ""
	}
	md = strings.TrimSpace(md)
	if utf8.RuneCountInString(md) > maxChars {
		r := []rune(md)
		md = string(r[:maxChars]) + "\n…"
	}
	return md
}
