package session

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

const (
	maxElementText = 500
	maxElementHTML = 1000
)

// FormatElementContext renders a picked element as a single-line instruction
// for the agent.
func FormatElementContext(el model.Element) string {
	var b strings.Builder

	tag := strings.ToLower(collapse(el.TagName))
	if tag == "" {
		tag = "element"
	}
	fmt.Fprintf(&b, "The user selected a <%s> element", tag)
	if sel := collapse(el.Selector); sel != "" {
		fmt.Fprintf(&b, " (selector: %s)", sel)
	}
	b.WriteString(".")

	if text := truncate(collapse(el.Text), maxElementText); text != "" {
		fmt.Fprintf(&b, " Text: %q.", text)
	}
	if html := truncate(collapse(el.HTML), maxElementHTML); html != "" {
		fmt.Fprintf(&b, " HTML: %s", html)
	}

	if len(el.Styles) > 0 {
		keys := make([]string, 0, len(el.Styles))
		for k := range el.Styles {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		styles := make([]string, 0, len(keys))
		for _, k := range keys {
			styles = append(styles, collapse(k)+": "+collapse(el.Styles[k]))
		}
		fmt.Fprintf(&b, " Computed styles: %s.", strings.Join(styles, "; "))
	}

	b.WriteString(" Apply the requested changes to this element.")
	return b.String()
}

// collapse joins all whitespace runs, newlines included, into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
