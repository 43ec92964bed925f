package advisor

import (
	"strings"

	"github.com/barryq93/dbwatch/internal/types"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

type IndexPolicy struct {
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Priority string   `json:"priority"`
}

// TablePolicy lists the indexes a table is expected to carry.
type TablePolicy struct {
	Table   string        `json:"table"`
	Indexes []IndexPolicy `json:"indexes"`
}

// DefaultPolicy covers the treasury schema's hot lookup paths.
func DefaultPolicy() []TablePolicy {
	return []TablePolicy{
		{Table: "transaction", Indexes: []IndexPolicy{
			{Name: "idx_transaction_date", Columns: []string{"date"}, Priority: PriorityHigh},
			{Name: "idx_transaction_psp_id", Columns: []string{"psp_id"}, Priority: PriorityHigh},
			{Name: "idx_transaction_psp_date", Columns: []string{"psp_id", "date"}, Priority: PriorityHigh},
			{Name: "idx_transaction_created_at", Columns: []string{"created_at"}, Priority: PriorityMedium},
			{Name: "idx_transaction_currency", Columns: []string{"currency"}, Priority: PriorityLow},
		}},
		{Table: "psp", Indexes: []IndexPolicy{
			{Name: "idx_psp_name", Columns: []string{"name"}, Priority: PriorityMedium},
			{Name: "idx_psp_is_active", Columns: []string{"is_active"}, Priority: PriorityLow},
		}},
		{Table: "psp_balance", Indexes: []IndexPolicy{
			{Name: "idx_psp_balance_psp_date", Columns: []string{"psp_id", "date"}, Priority: PriorityHigh},
		}},
		{Table: "user", Indexes: []IndexPolicy{
			{Name: "idx_user_username", Columns: []string{"username"}, Priority: PriorityHigh},
			{Name: "idx_user_email", Columns: []string{"email"}, Priority: PriorityMedium},
		}},
		{Table: "audit_log", Indexes: []IndexPolicy{
			{Name: "idx_audit_log_user_id", Columns: []string{"user_id"}, Priority: PriorityMedium},
			{Name: "idx_audit_log_timestamp", Columns: []string{"timestamp"}, Priority: PriorityMedium},
		}},
	}
}

// PolicyFromConfig converts the configured policy. An empty list yields
// the default policy.
func PolicyFromConfig(cfg []types.TablePolicy) []TablePolicy {
	if len(cfg) == 0 {
		return DefaultPolicy()
	}
	out := make([]TablePolicy, 0, len(cfg))
	for _, t := range cfg {
		tp := TablePolicy{Table: t.Table}
		for _, ix := range t.Indexes {
			priority := strings.ToLower(ix.Priority)
			if priority == "" {
				priority = PriorityMedium
			}
			tp.Indexes = append(tp.Indexes, IndexPolicy{
				Name:     ix.Name,
				Columns:  append([]string(nil), ix.Columns...),
				Priority: priority,
			})
		}
		out = append(out, tp)
	}
	return out
}

// satisfied reports whether want is covered by an existing index with the
// same name or the same column list.
func satisfied(want IndexPolicy, existing []Index) bool {
	for _, ix := range existing {
		if strings.EqualFold(ix.Name, want.Name) || sameColumns(ix.Columns, want.Columns) {
			return true
		}
	}
	return false
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createIndexSQL(table string, ix IndexPolicy) string {
	cols := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		cols[i] = quoteIdent(c)
	}
	return "CREATE INDEX IF NOT EXISTS " + quoteIdent(ix.Name) + " ON " + quoteIdent(table) + " (" + strings.Join(cols, ", ") + ")"
}
