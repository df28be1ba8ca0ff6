package query

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeName turns an arbitrary header or file name into a bare SQL
// identifier: runs of characters outside [A-Za-z0-9_] become "_", and names
// that are empty or start with a digit get a "col_" prefix.
func SanitizeName(value string) string {
	var b strings.Builder
	pendingUnderscore := false
	for _, r := range strings.TrimSpace(value) {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if pendingUnderscore && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingUnderscore = false
			b.WriteRune(r)
			continue
		}
		pendingUnderscore = true
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col_x"
	}
	if name[0] >= '0' && name[0] <= '9' {
		return "col_" + name
	}
	return name
}

// UniqueNames sanitizes every name and suffixes repeats with _2, _3, ...
// Comparison is case-insensitive since SQL identifiers are.
func UniqueNames(values []string) []string {
	out := make([]string, len(values))
	used := make(map[string]struct{}, len(values))
	for i, value := range values {
		base := SanitizeName(value)
		name := base
		for n := 2; ; n++ {
			if _, taken := used[strings.ToLower(name)]; !taken {
				break
			}
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[strings.ToLower(name)] = struct{}{}
		out[i] = name
	}
	return out
}

// TableNameFor is the table a tabular source is loaded into.
func TableNameFor(source Source) string {
	if name := strings.TrimSpace(source.TableName); name != "" {
		return SanitizeName(name)
	}
	base := source.Name
	if base == "" {
		base = filepath.Base(source.Path)
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	name := SanitizeName(base)
	if name == "col_x" {
		return "data"
	}
	return name
}
