package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConverter_Convert(t *testing.T) {
	tests := []struct {
		name        string
		html        string
		wantTitle   string
		contains    []string
		notContains []string
	}{
		{
			name:      "article region preferred",
			html:      `<html><head><title>Post</title></head><body><header>Site</header><article><p>Body text</p></article><footer>Copyright</footer></body></html>`,
			wantTitle: "Post",
			contains:  []string{"Body text"},
			notContains: []string{
				"Site", "Copyright",
			},
		},
		{
			name:        "role main",
			html:        `<body><div class="menu">Links</div><div role="main"><p>Primary</p></div></body>`,
			contains:    []string{"Primary"},
			notContains: []string{"Links"},
		},
		{
			name:        "body with boilerplate pruned",
			html:        `<body><div class="Sidebar">Side</div><h1>Heading</h1><p>Text</p><script>alert(1)</script></body>`,
			wantTitle:   "Heading",
			contains:    []string{"# Heading", "Text"},
			notContains: []string{"Side", "alert"},
		},
		{
			name:     "tables use GitHub flavor",
			html:     `<main><table><thead><tr><th>A</th><th>B</th></tr></thead><tbody><tr><td>1</td><td>2</td></tr></tbody></table></main>`,
			contains: []string{"| A | B |"},
		},
	}

	c := NewConverter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := c.Convert([]byte(tt.html))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, doc.Title)
			for _, s := range tt.contains {
				assert.Contains(t, doc.Markdown, s)
			}
			for _, s := range tt.notContains {
				assert.NotContains(t, doc.Markdown, s)
			}
		})
	}
}

func TestTidy(t *testing.T) {
	assert.Equal(t, "a\n\nb", tidy("  \na  \n\n\n\n\nb\t\n"))
}
