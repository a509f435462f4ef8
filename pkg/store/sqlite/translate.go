package sqlite

import (
	"fmt"
	"strings"

	"github.com/netsentry/netsentry/pkg/filter"
	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
)

// likeEscaper protects LIKE metacharacters in user patterns before glob
// wildcards are lowered to SQL ones. Every generated LIKE uses ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// translateFilter lowers a PacketFilter to a WHERE clause (without the
// leading WHERE) plus its ordered parameter list. The clause must select
// exactly the records filter.Matches would accept; any filter shape SQL
// cannot express is rejected, never approximated.
func translateFilter(f *filter.PacketFilter) (string, []any, error) {
	if f.IsEmpty() {
		return "", nil, nil
	}
	if !f.Translatable() {
		return "", nil, fmt.Errorf("%w: opaque predicates and combined filters require the in-memory backend", store.ErrUnsupportedFilter)
	}

	var conds []string
	var args []any

	add := func(cond string, a ...any) {
		conds = append(conds, cond)
		args = append(args, a...)
	}

	if f.SrcIPPattern != "" {
		cond, a := ipCondition("src_ip", f.SrcIPPattern)
		add(negate(cond, f.SrcIPNegate), a...)
	}
	if f.DstIPPattern != "" {
		cond, a := ipCondition("dst_ip", f.DstIPPattern)
		add(negate(cond, f.DstIPNegate), a...)
	}
	if f.SrcPortPattern != "" {
		cond, a := portCondition("src_port", f.SrcPortPattern)
		add(negate(cond, f.SrcPortNegate), a...)
	}
	if f.DstPortPattern != "" {
		cond, a := portCondition("dst_port", f.DstPortPattern)
		add(negate(cond, f.DstPortNegate), a...)
	}
	if f.Protocol != "" {
		op := "="
		if f.ProtocolNegate {
			op = "<>"
		}
		add(fmt.Sprintf("protocol %s ?", op), f.Protocol.String())
	}
	if f.MinLength > 0 {
		add("length >= ?", f.MinLength)
	}
	if f.MaxLength > 0 {
		add("length <= ?", f.MaxLength)
	}
	if !f.StartTime.IsZero() {
		add("timestamp_ns >= ?", f.StartTime.UnixNano())
	}
	if !f.EndTime.IsZero() {
		add("timestamp_ns <= ?", f.EndTime.UnixNano())
	}
	if f.InfoContains != "" {
		// SQLite's LIKE folds case for ASCII only, while the evaluator
		// lowers the full Unicode range. The two agree on the ASCII
		// protocol text that populates the info column.
		cond := `info LIKE ? ESCAPE '\'`
		add(negate(cond, f.InfoNegate), "%"+likeEscaper.Replace(f.InfoContains)+"%")
	}

	return strings.Join(conds, " AND "), args, nil
}

func negate(cond string, neg bool) string {
	if neg {
		return "NOT (" + cond + ")"
	}
	return cond
}

// ipCondition lowers one IP pattern: glob patterns become LIKE with
// '*' -> '%' and '?' -> '_', CIDR-looking patterns become a prefix
// LIKE on the octets filter.IPPrefix selects, anything else is an
// equality. SQLite's default NOCASE LIKE matches the evaluator's case
// folding for the ASCII text IPs are made of.
func ipCondition(column, pattern string) (string, []any) {
	if strings.ContainsAny(pattern, "*?") {
		escaped := likeEscaper.Replace(pattern)
		escaped = strings.ReplaceAll(escaped, "*", "%")
		escaped = strings.ReplaceAll(escaped, "?", "_")
		return column + ` LIKE ? ESCAPE '\'`, []any{escaped}
	}
	if strings.Contains(pattern, "/") {
		// Prefix approximation, not a true subnet mask.
		return column + ` LIKE ? ESCAPE '\'`, []any{likeEscaper.Replace(filter.IPPrefix(pattern)) + "%"}
	}
	return column + " = ? COLLATE NOCASE", []any{pattern}
}

// portCondition lowers a port pattern to an OR of equality and BETWEEN
// terms. A pattern with no valid tokens matches nothing, mirroring the
// in-memory evaluator.
func portCondition(column, pattern string) (string, []any) {
	tokens := filter.PortTokens(pattern)
	if len(tokens) == 0 {
		return "0 = 1", nil
	}

	var terms []string
	var args []any
	for _, t := range tokens {
		if t[0] == t[1] {
			terms = append(terms, column+" = ?")
			args = append(args, t[0])
		} else {
			terms = append(terms, column+" BETWEEN ? AND ?")
			args = append(args, t[0], t[1])
		}
	}
	return "(" + strings.Join(terms, " OR ") + ")", args
}

// threatCondition generates the threat predicate from the shared rule
// constants in pkg/model, keeping the SQL aggregate aligned with
// model.IsThreat.
func threatCondition() (string, []any) {
	terms := []string{"protocol = ?"}
	args := []any{model.ProtocolICMP.String()}
	for _, port := range model.ThreatPorts {
		terms = append(terms, "src_port = ?", "dst_port = ?")
		args = append(args, port, port)
	}
	for _, kw := range model.ThreatKeywords {
		terms = append(terms, `info LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(kw)+"%")
	}
	return "(" + strings.Join(terms, " OR ") + ")", args
}
