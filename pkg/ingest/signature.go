package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CanonicalSignature normalizes a metric expression into a stable key:
// whitespace stripped, identifiers lower-cased (string literals preserved),
// and commutative operand chains sorted. Textually different but
// semantically identical expressions map to the same signature, which is
// the Metric node key.
func CanonicalSignature(expr string) string {
	return sortCommutative(normalizeTokens(expr))
}

// CanonicalPredicate produces the signature for a join predicate between
// two tables. Equality predicates are side-ordered so "a.id = b.a_id" and
// "b.a_id = a.id" collapse to one signature.
func CanonicalPredicate(predicate string) string {
	norm := normalizeTokens(predicate)

	// Order the sides of a single top-level equality.
	parts := splitTopLevel(norm, '=')
	if len(parts) == 2 {
		if parts[0] > parts[1] {
			parts[0], parts[1] = parts[1], parts[0]
		}
		return parts[0] + "=" + parts[1]
	}
	return norm
}

// OrderTablePair returns the two table identifiers in lexical order so the
// pair is undirected.
func OrderTablePair(left, right string) (string, string) {
	a := strings.ToLower(strings.TrimSpace(left))
	b := strings.ToLower(strings.TrimSpace(right))
	if a > b {
		a, b = b, a
	}
	return a, b
}

// JoinKey is the natural identity of a join edge: ordered table pair plus
// canonical predicate signature.
func JoinKey(tableA, tableB, predicateSig string) string {
	return tableA + "|" + tableB + "|" + predicateSig
}

// Fingerprint computes the structural fingerprint of a query shape:
// sorted table set, sorted join signatures, and sorted metric signatures,
// with parameters (filter literals) abstracted out. Events with the same
// fingerprint are candidates for consolidation into one skill.
func Fingerprint(tables []string, joinSigs []string, metricSigs []string) string {
	ts := make([]string, 0, len(tables))
	for _, t := range tables {
		ts = append(ts, strings.ToLower(strings.TrimSpace(t)))
	}
	sort.Strings(ts)

	js := append([]string(nil), joinSigs...)
	sort.Strings(js)

	ms := append([]string(nil), metricSigs...)
	sort.Strings(ms)

	var b strings.Builder
	b.WriteString("t:")
	b.WriteString(strings.Join(ts, ","))
	b.WriteString(";j:")
	b.WriteString(strings.Join(js, ","))
	b.WriteString(";m:")
	b.WriteString(strings.Join(ms, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// normalizeTokens lower-cases identifiers, strips whitespace, and
// preserves single-quoted string literals verbatim.
func normalizeTokens(expr string) string {
	var b strings.Builder
	b.Grow(len(expr))

	inString := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inString {
			b.WriteByte(c)
			if c == '\'' {
				inString = false
			}
			continue
		}
		switch {
		case c == '\'':
			inString = true
			b.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			// Keep one separator between adjacent word characters so
			// "group by" does not collapse into "groupby".
			if b.Len() > 0 && isWordByte(b.String()[b.Len()-1]) && nextNonSpaceIsWord(expr, i) {
				b.WriteByte(' ')
			}
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func nextNonSpaceIsWord(s string, i int) bool {
	for ; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		return isWordByte(c)
	}
	return false
}

// sortCommutative sorts operand chains joined by a single commutative
// operator (+ or *) at each parenthesis depth, recursing into groups.
func sortCommutative(expr string) string {
	for _, op := range []byte{'+', '*'} {
		parts := splitTopLevel(expr, op)
		if len(parts) > 1 {
			for i, p := range parts {
				parts[i] = sortCommutativeInner(p)
			}
			sort.Strings(parts)
			return strings.Join(parts, string(op))
		}
	}
	return sortCommutativeInner(expr)
}

// sortCommutativeInner recurses into parenthesized groups of a single
// operand.
func sortCommutativeInner(expr string) string {
	open := strings.IndexByte(expr, '(')
	if open < 0 {
		return expr
	}
	depth := 0
	for i := open; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				inner := sortCommutative(expr[open+1 : i])
				return expr[:open+1] + inner + sortCommutativeInner(expr[i:])
			}
		}
	}
	return expr
}

// splitTopLevel splits expr on sep at parenthesis depth zero, outside
// string literals. Returns a single-element slice when sep never occurs
// at the top level.
func splitTopLevel(expr string, sep byte) []string {
	var parts []string
	depth := 0
	inString := false
	last := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inString {
			if c == '\'' {
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, expr[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, expr[last:])
	return parts
}
