package scraper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestElementQuery_ScriptsEmbedQueryAsJSON(t *testing.T) {
	t.Parallel()

	q := ElementQuery{
		Tags:     []string{"a"},
		Contains: []string{"明細"},
		AnyOf:    []string{"CSV", "ＣＳＶ"},
		Attrs:    []AttrMatch{{Name: "href", Value: `it's "quoted"`}},
	}

	click := q.ClickScript()
	assert.Contains(t, click, `"contains":["明細"]`)
	assert.Contains(t, click, `"anyOf":["CSV","ＣＳＶ"]`)
	assert.Contains(t, click, `"value":"it's \"quoted\""`)
	assert.Contains(t, click, "el.click()")
	assert.True(t, strings.HasPrefix(click, "(() => {"))
	assert.True(t, strings.HasSuffix(click, "})()"))

	exists := q.ExistsScript()
	assert.NotContains(t, exists, "el.click()")
	assert.Contains(t, exists, "find() !== null")
}

func TestElementQuery_ScriptsAreStable(t *testing.T) {
	t.Parallel()

	site := ETCMeisai()
	assert.Equal(t, site.ExportLink.ClickScript(), ETCMeisai().ExportLink.ClickScript())
	assert.NotEqual(t, site.ExportLink.ClickScript(), site.SearchCriteriaLink.ClickScript())
}

func TestFillScript_EscapesValues(t *testing.T) {
	t.Parallel()

	script := fillScript(map[string]string{"risPassword": `p'a"ss</script>`})

	assert.Contains(t, script, `"risPassword":"p'a\"ss\u003c/script\u003e"`)
	assert.Contains(t, script, "dispatchEvent(new Event('input'")
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{float64(0), false},
		{float64(2), true},
		{"", false},
		{"x", true},
		{map[string]any{}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truthy(tt.in), "%v", tt.in)
	}
}
