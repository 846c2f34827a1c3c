package rowop

import "strings"

// BusinessType is the vertical a tenant trades in. It selects the primary-key
// policy here and the secondary-index bundle at table-creation time.
type BusinessType string

const (
	Retail      BusinessType = "retail"
	Hospitality BusinessType = "hospitality"
)

// ParseBusinessType normalises a wire value. Unknown values come back
// unchanged so key lookups fall through to the id policy.
func ParseBusinessType(s string) BusinessType {
	return BusinessType(strings.ToLower(strings.TrimSpace(s)))
}

// primaryKeys is the per-table key policy, keyed by lowercased table name.
// The WHERE predicate for UPDATE and DELETE is exactly this column set; new
// tables need only a row here, not new code paths.
var primaryKeys = map[string]map[BusinessType][]string{
	"sales": {
		Retail:      {"InvoiceNo"},
		Hospitality: {"OrderNo"},
	},
	"salesdetail": {
		Retail:      {"InvoiceNo", "StockId"},
		Hospitality: {"OrderNo", "ItemCode"},
	},
	"stockitems": {
		Retail: {"StockId"},
	},
	"menuitem": {
		Hospitality: {"ItemCode"},
	},
	"submenulinkdetail": {
		Hospitality: {"ItemCode"},
	},
	"paymentreceived": {
		Retail:      {"InvoiceNo", "Id"},
		Hospitality: {"OrderNo", "Id"},
	},
	"payment": {
		Retail:      {"Payment"},
		Hospitality: {"Payment"},
	},
}

// PrimaryKeyColumns returns the key columns for (table, businessType).
// Tables or verticals outside the policy fall back to the id column.
func PrimaryKeyColumns(table string, bt BusinessType) []string {
	if byType, ok := primaryKeys[strings.ToLower(table)]; ok {
		if cols, ok := byType[bt]; ok {
			return cols
		}
	}
	return []string{"id"}
}
