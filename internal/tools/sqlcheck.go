// ABOUTME: Lexical checks on client SQL before it reaches the backend.
// ABOUTME: Comments and quoted text are blanked so keywords inside them are ignored.

package tools

import (
	"errors"
	"regexp"
	"strings"
)

var (
	errEmptySQL           = errors.New("sql is required")
	errMultipleStatements = errors.New("only a single SQL statement is allowed")
)

// writeKeywords are rejected by queryDatabase wherever they appear as a
// statement keyword.
var writeKeywords = []string{
	"insert", "update", "delete", "create", "drop", "alter", "truncate",
	"replace", "grant", "revoke", "attach", "detach", "pragma", "vacuum",
	"reindex", "begin", "commit", "rollback",
}

var writeKeywordRE = regexp.MustCompile(`\b(` + strings.Join(writeKeywords, "|") + `)\b(\s*\()?`)

// rowKeywords start statements that return rows.
var rowKeywords = map[string]bool{
	"select":  true,
	"with":    true,
	"values":  true,
	"pragma":  true,
	"explain": true,
}

var (
	dsnPasswordRE = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|access_token|auth_token|_auth)=([^&\s;'"]+)`)
	urlUserInfoRE = regexp.MustCompile(`://([^:/@\s]+):([^@\s]+)@`)
)

// blankSQL lowercases sql and replaces comments and the contents of quoted
// strings and identifiers with spaces, keeping byte offsets stable.
func blankSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				b.WriteByte(' ')
				i++
			}
			if i < len(sql) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			b.WriteString("  ")
			i += 2
			for i < len(sql) && !(sql[i] == '*' && i+1 < len(sql) && sql[i+1] == '/') {
				b.WriteByte(' ')
				i++
			}
			if i < len(sql) {
				b.WriteString("  ")
				i++
			}
		case c == '\'' || c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			b.WriteByte(c)
			i++
			for i < len(sql) {
				if sql[i] == closer {
					// Doubled quotes escape themselves.
					if closer != ']' && i+1 < len(sql) && sql[i+1] == closer {
						b.WriteString("  ")
						i += 2
						continue
					}
					break
				}
				b.WriteByte(' ')
				i++
			}
			if i < len(sql) {
				b.WriteByte(closer)
			}
		default:
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// singleStatement rejects empty input and input holding more than one
// statement. A trailing semicolon is allowed.
func singleStatement(sql string) error {
	blanked := strings.TrimSpace(blankSQL(sql))
	blanked = strings.TrimSpace(strings.TrimRight(blanked, "; \t\r\n"))
	if blanked == "" {
		return errEmptySQL
	}
	if strings.Contains(blanked, ";") {
		return errMultipleStatements
	}
	return nil
}

// checkReadOnly rejects anything that is not a single read-only statement.
func checkReadOnly(sql string) error {
	if err := singleStatement(sql); err != nil {
		return err
	}

	for _, m := range writeKeywordRE.FindAllStringSubmatch(blankSQL(sql), -1) {
		// replace(x, y, z) is a string function, not a statement.
		if m[2] != "" {
			continue
		}
		return errors.New("write operations are not allowed with queryDatabase: found " + strings.ToUpper(m[1]))
	}
	return nil
}

// returnsRows guesses whether a statement produces a result set.
func returnsRows(sql string) bool {
	fields := strings.Fields(blankSQL(sql))
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimLeft(fields[0], "(")
	if rowKeywords[first] {
		return true
	}
	for _, f := range fields {
		if f == "returning" {
			return true
		}
	}
	return false
}

// scrubCredentials removes passwords and tokens from backend error text.
func scrubCredentials(msg string) string {
	msg = urlUserInfoRE.ReplaceAllString(msg, "://$1:***@")
	return dsnPasswordRE.ReplaceAllString(msg, "$1=***")
}
