package handlers

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Code block styles per UI theme. "system" follows the light style; the browser swaps the CSS.
var themeStyles = map[string]string{
	"light": "github",
	"dark":  "monokai",
}

func newRenderers() map[string]goldmark.Markdown {
	res := make(map[string]goldmark.Markdown, len(themeStyles))
	for theme, style := range themeStyles {
		res[theme] = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle(style)),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	}
	return res
}

// render converts message markdown to HTML for the current theme. Raw HTML in the source is not
// passed through.
func (m *Main) render(content string) (string, error) {
	if content == "" {
		return "", nil
	}
	md, ok := m.renderers[m.settings.Settings().Theme]
	if !ok {
		md = m.renderers["light"]
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
