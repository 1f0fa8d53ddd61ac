package usage

import (
	"context"
	"strings"
	"time"
)

// Query selects the entries a Summary covers. Zero fields match everything.
type Query struct {
	CredentialID string
	Since        time.Time
}

// Summary holds aggregated usage statistics.
type Summary struct {
	Requests         int64   `json:"requests"`
	Errors           int64   `json:"errors"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
}

// Reader provides aggregate read access to recorded usage.
type Reader interface {
	Summarize(ctx context.Context, q Query) (*Summary, error)
}

// buildWhereClause turns q into a SQL WHERE clause. placeholder numbers the
// arguments and timeArg converts Since to the column's representation.
func buildWhereClause(q Query, placeholder func(n int) string, timeArg func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	if q.CredentialID != "" {
		args = append(args, q.CredentialID)
		conds = append(conds, "credential_id = "+placeholder(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, timeArg(q.Since))
		conds = append(conds, "timestamp >= "+placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// summaryColumns is shared by SQLite and PostgreSQL; the casts keep
// PostgreSQL from returning NUMERIC sums.
const summaryColumns = `COUNT(*),
	CAST(COALESCE(SUM(CASE WHEN is_error THEN 1 ELSE 0 END), 0) AS BIGINT),
	CAST(COALESCE(SUM(prompt_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(completion_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(total_tokens), 0) AS BIGINT),
	COALESCE(SUM(total_cost), 0)`
