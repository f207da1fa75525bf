package sqltool

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ViolationError is returned when a statement fails a security check.
// The statement is never executed and no connection is acquired.
type ViolationError struct {
	Reason  string
	Message string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("security violation (%s): %s", e.Reason, e.Message)
}

var (
	selectRegexp     = regexp.MustCompile(`^select\s.+`)
	pragmaRegexp     = regexp.MustCompile(`^pragma\s+table_info\s*\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)\s*;?$`)
	identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	deniedKeywords = regexp.MustCompile(`\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|exec|execute|attach|detach|pragma|vacuum|replace)\b`)

	unionSelect  = regexp.MustCompile(`union\s+select`)
	orTautology  = regexp.MustCompile(`\bor\s+1\s*=\s*1\b`)
	semiComment  = regexp.MustCompile(`;\s*--`)
	blockComment = regexp.MustCompile(`/\*.*?\*/`)
	joinToken    = regexp.MustCompile(`\bjoin\b`)
)

// validator gates every statement before it reaches the pool. The
// known-tables set backs the pragma whitelist and is refreshed from the
// live schema.
type validator struct {
	mtx         sync.RWMutex
	knownTables map[string]struct{}
}

func newValidator() *validator {
	return &validator{knownTables: map[string]struct{}{}}
}

func (v *validator) setKnownTables(tables []string) {
	m := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		m[strings.ToLower(t)] = struct{}{}
	}
	v.mtx.Lock()
	v.knownTables = m
	v.mtx.Unlock()
}

func (v *validator) isKnownTable(name string) bool {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	_, ok := v.knownTables[strings.ToLower(name)]
	return ok
}

// normalizeStatement lowercases, collapses whitespace and trims.
func normalizeStatement(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// validate runs the full security pipeline. It returns the table name
// for the pragma form, empty otherwise.
func (v *validator) validate(raw string) (pragmaTable string, err *ViolationError) {
	if len(raw) > maxStatementLength {
		return "", &ViolationError{Reason: "statement_too_long", Message: fmt.Sprintf("statement exceeds %d characters", maxStatementLength)}
	}

	norm := normalizeStatement(raw)
	if norm == "" {
		return "", &ViolationError{Reason: "empty_statement", Message: "statement is empty"}
	}

	// schema introspection is the one non-select form permitted
	if strings.HasPrefix(norm, "pragma") {
		m := pragmaRegexp.FindStringSubmatch(norm)
		if m == nil {
			return "", &ViolationError{Reason: "pragma_not_allowed", Message: "only PRAGMA table_info(<table>) is permitted"}
		}
		table := m[1]
		if !identifierRegexp.MatchString(table) || !v.isKnownTable(table) {
			return "", &ViolationError{Reason: "unknown_table", Message: "pragma target is not a known table"}
		}
		return table, nil
	}

	if !selectRegexp.MatchString(norm) {
		return "", &ViolationError{Reason: "not_a_select", Message: "only SELECT statements are permitted"}
	}
	if kw := deniedKeywords.FindString(norm); kw != "" {
		return "", &ViolationError{Reason: "denied_keyword", Message: fmt.Sprintf("keyword %q is not permitted", kw)}
	}
	if unionSelect.MatchString(norm) {
		return "", &ViolationError{Reason: "injection_marker", Message: "UNION SELECT is not permitted"}
	}
	if orTautology.MatchString(norm) {
		return "", &ViolationError{Reason: "injection_marker", Message: "tautological predicate detected"}
	}
	if semiComment.MatchString(norm) {
		return "", &ViolationError{Reason: "injection_marker", Message: "comment after statement terminator"}
	}
	if blockComment.MatchString(norm) {
		return "", &ViolationError{Reason: "injection_marker", Message: "block comments are not permitted"}
	}
	if hasCommentOutsideLiteral(norm) {
		return "", &ViolationError{Reason: "injection_marker", Message: "line comments are not permitted"}
	}
	if hasStackedStatement(norm) {
		return "", &ViolationError{Reason: "stacked_statement", Message: "multiple statements are not permitted"}
	}
	if joins := len(joinToken.FindAllString(norm, -1)); joins > maxJoinedTables {
		return "", &ViolationError{Reason: "too_many_joins", Message: fmt.Sprintf("statement joins more than %d tables", maxJoinedTables)}
	}
	return "", nil
}

// hasCommentOutsideLiteral reports a "--" sequence that is not inside a
// single-quoted string literal.
func hasCommentOutsideLiteral(s string) bool {
	inLiteral := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inLiteral = !inLiteral
		case !inLiteral && s[i] == '-' && i+1 < len(s) && s[i+1] == '-':
			return true
		}
	}
	return false
}

// hasStackedStatement reports a ";" outside a string literal that is
// followed by anything other than whitespace.
func hasStackedStatement(s string) bool {
	inLiteral := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inLiteral = !inLiteral
		case !inLiteral && s[i] == ';':
			if strings.TrimSpace(s[i+1:]) != "" {
				return true
			}
		}
	}
	return false
}
