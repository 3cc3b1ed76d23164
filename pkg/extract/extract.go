// Package extract walks a bundle tree and yields the leaves that should go
// through machine translation.
package extract

import (
	"strconv"
	"strings"

	"github.com/dasmlab/textbundle/pkg/tree"
)

// Leaf is one translatable string of a bundle.
type Leaf struct {
	// Path addresses the leaf from the bundle root. List items use their
	// decimal index as the segment.
	Path []string
	// Text is the source text, untrimmed.
	Text string
}

// Key returns the dotted form of the leaf path.
func (l Leaf) Key() string { return tree.JoinPath(l.Path) }

// reservedTopLevel keys carry bundle metadata and are never translated.
var reservedTopLevel = map[string]bool{
	"meta":     true,
	"language": true,
}

// Extract returns the translatable leaves of root in depth-first document
// order. Subtrees whose dotted path matches excludes are pruned.
func Extract(root *tree.Value, excludes *Matcher) []Leaf {
	var out []Leaf
	if !root.IsMap() {
		return out
	}
	for _, key := range root.Keys() {
		if reservedTopLevel[key] {
			continue
		}
		child, _ := root.Field(key)
		out = walk(child, []string{key}, excludes, out)
	}
	return out
}

func walk(v *tree.Value, path []string, excludes *Matcher, out []Leaf) []Leaf {
	if excludes.Match(path) {
		return out
	}
	switch v.Kind() {
	case tree.KindMap:
		for _, key := range v.Keys() {
			child, _ := v.Field(key)
			out = walk(child, appendPath(path, key), excludes, out)
		}
	case tree.KindList:
		for i, item := range v.Items() {
			out = walk(item, appendPath(path, strconv.Itoa(i)), excludes, out)
		}
	case tree.KindString:
		text := v.Text()
		if strings.TrimSpace(text) == "" {
			return out
		}
		if IsTechnicalField(lastNamedSegment(path)) {
			return out
		}
		out = append(out, Leaf{Path: path, Text: text})
	}
	return out
}

// appendPath copies so sibling leaves never share a backing array.
func appendPath(path []string, seg string) []string {
	next := make([]string, len(path)+1)
	copy(next, path)
	next[len(path)] = seg
	return next
}

// lastNamedSegment skips trailing list indices so that items of a list
// named "codes" are judged by "codes".
func lastNamedSegment(path []string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if _, err := strconv.Atoi(path[i]); err != nil {
			return path[i]
		}
	}
	return ""
}

// IsTechnicalField reports whether a key names an identifier rather than
// human-readable text: id, code, uuid or guid in any case, or a camelCase
// "...Id"/"...Code" or snake_case "..._id"/"..._code" suffix.
func IsTechnicalField(key string) bool {
	switch strings.ToLower(key) {
	case "id", "code", "uuid", "guid":
		return true
	}
	if hasCamelSuffix(key, "Id") || hasCamelSuffix(key, "Code") {
		return true
	}
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_code")
}

// hasCamelSuffix matches "videoCode" and "userID" style keys but not
// "paid" or "barcode".
func hasCamelSuffix(key, suffix string) bool {
	if len(key) <= len(suffix) {
		return false
	}
	if strings.HasSuffix(key, suffix) || strings.HasSuffix(key, strings.ToUpper(suffix)) {
		prev := key[len(key)-len(suffix)-1]
		return prev >= 'a' && prev <= 'z' || prev >= '0' && prev <= '9'
	}
	return false
}
