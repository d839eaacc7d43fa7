package schema

import (
	"strings"
	"unicode"
)

// snakeCase converts a Go identifier to snake_case: "AssigneeID" becomes
// "assignee_id".
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TableName returns the default table for a document type name.
func TableName(name string) string {
	return "mt_doc_" + snakeCase(name)
}
