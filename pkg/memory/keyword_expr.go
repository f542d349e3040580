package memory

import "strings"

// MatchKeywordExpression evaluates a keyword expression against text.
// Operators are | (or) and & (and) with parentheses for grouping; & binds
// tighter than |. Leaves match as case-insensitive substrings. The count is
// the number of matched leaves that contributed to a true result.
//
//	MatchKeywordExpression("(战斗|受伤) & 紧急", "他在战斗中紧急撤退") == (true, 2)
func MatchKeywordExpression(expr, text string) (bool, int) {
	expr = strings.TrimSpace(expr)
	if expr == "" || text == "" {
		return false, 0
	}
	return evalExpr(expr, strings.ToLower(text))
}

// IsKeywordExpression reports whether s uses expression syntax.
func IsKeywordExpression(s string) bool {
	return strings.ContainsAny(s, "|&()")
}

func evalExpr(expr, text string) (bool, int) {
	expr = stripOuterParens(strings.TrimSpace(expr))
	if expr == "" {
		return false, 0
	}

	if parts := splitTopLevel(expr, '|'); len(parts) > 1 {
		matched, count := false, 0
		for _, part := range parts {
			if ok, n := evalExpr(part, text); ok {
				matched = true
				count += n
			}
		}
		return matched, count
	}

	if parts := splitTopLevel(expr, '&'); len(parts) > 1 {
		count := 0
		for _, part := range parts {
			ok, n := evalExpr(part, text)
			if !ok {
				return false, 0
			}
			count += n
		}
		return true, count
	}

	leaf := strings.ToLower(strings.Trim(expr, "() \t"))
	if leaf == "" {
		return false, 0
	}
	if strings.Contains(text, leaf) {
		return true, 1
	}
	return false, 0
}

// splitTopLevel splits on op where it appears outside parentheses.
func splitTopLevel(expr string, op rune) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case op:
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + len(string(op))
			}
		}
	}
	return append(parts, expr[start:])
}

// stripOuterParens removes parentheses that wrap the whole expression.
func stripOuterParens(expr string) string {
	for len(expr) >= 2 && expr[0] == '(' && expr[len(expr)-1] == ')' {
		depth := 0
		wraps := true
		for i, r := range expr {
			switch r {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 && i < len(expr)-1 {
				wraps = false
				break
			}
		}
		if !wraps {
			return expr
		}
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}
