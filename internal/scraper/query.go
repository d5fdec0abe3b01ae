package scraper

import (
	"encoding/json"
	"fmt"
)

// AttrMatch constrains an attribute. Value must be contained in the
// attribute unless Exact is set.
type AttrMatch struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Exact bool   `json:"exact,omitempty"`
}

// ElementQuery finds an element by what it shows rather than by a fixed
// selector. Text is the element's rendered text, or its value for inputs.
type ElementQuery struct {
	Tags     []string    `json:"tags"`     // any of these tags; all elements when empty
	Contains []string    `json:"contains"` // every fragment must appear in the text
	AnyOf    []string    `json:"anyOf"`    // at least one fragment must appear, if set
	Attrs    []AttrMatch `json:"attrs"`
}

// Describe is a short human form used in errors and logs.
func (q ElementQuery) Describe() string {
	return fmt.Sprintf("tags=%v contains=%v anyOf=%v attrs=%v", q.Tags, q.Contains, q.AnyOf, q.Attrs)
}

// findFn is the shared matcher. It expects q in scope and defines find().
const findFn = `const text = el => String(el.innerText || el.textContent || el.value || '').trim();
  const attrOK = (el, a) => {
    const v = el.getAttribute(a.name);
    if (v === null) return false;
    return a.exact ? v === a.value : v.includes(a.value);
  };
  const match = el => {
    const t = text(el);
    if (!(q.contains || []).every(f => t.includes(f))) return false;
    if ((q.anyOf || []).length && !q.anyOf.some(f => t.includes(f))) return false;
    return (q.attrs || []).every(a => attrOK(el, a));
  };
  const find = () => {
    const sel = (q.tags || []).length ? q.tags.join(',') : '*';
    return Array.from(document.querySelectorAll(sel)).find(match) || null;
  };`

// ExistsScript evaluates to true when a matching element is present.
func (q ElementQuery) ExistsScript() string {
	return q.wrap(`return find() !== null;`)
}

// ClickScript clicks the first matching element and evaluates to whether
// one was found.
func (q ElementQuery) ClickScript() string {
	return q.wrap(`const el = find();
  if (!el) return false;
  el.click();
  return true;`)
}

func (q ElementQuery) wrap(body string) string {
	encoded, _ := json.Marshal(q)
	return "(() => {\n  const q = " + string(encoded) + ";\n  " + findFn + "\n  " + body + "\n})()"
}

// fillScript assigns values to named inputs and fires the events a form
// listens for. It evaluates to the number of fields it could not find.
func fillScript(fields map[string]string) string {
	encoded, _ := json.Marshal(fields)
	return `(() => {
  const fields = ` + string(encoded) + `;
  let missing = 0;
  for (const [name, value] of Object.entries(fields)) {
    const el = document.querySelector('input[name=' + JSON.stringify(name) + ']');
    if (!el) { missing++; continue; }
    el.focus();
    el.value = value;
    el.dispatchEvent(new Event('input', { bubbles: true }));
    el.dispatchEvent(new Event('change', { bubbles: true }));
  }
  return missing;
})()`
}

// linkTextsScript lists the visible text of every link on the page.
const linkTextsScript = `(() => Array.from(document.querySelectorAll('a'))
  .map(a => String(a.textContent || '').trim())
  .filter(t => t !== '')
  .join(' | '))()`

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}
