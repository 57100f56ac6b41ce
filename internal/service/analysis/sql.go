package analysis

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/datapella/backend/internal/analysis/intent"
)

// warehouseYear is the year the mock warehouse holds.
const warehouseYear = 2024

const salesFrom = `FROM FCT_SALES_NATIONAL_MTH s
JOIN DIM_SOURCE_PRODUCT p ON s.SOURCE_PRODUCT_ID = p.SOURCE_PRODUCT_ID`

// writeSQL turns a resolved intent into a warehouse query. Entity values come
// from the warehouse catalog and are quoted as literals.
func writeSQL(d intent.Decision) string {
	var dimension, order string
	switch d.Intent {
	case intent.Trend:
		dimension, order = "s.PERIOD_MONTH", "s.PERIOD_MONTH"
	case intent.Comparison:
		if len(d.Entities.Regions) > 1 || (len(d.Entities.Regions) > 0 && len(d.Entities.Brands) <= 1) {
			dimension = "s.REGION"
		} else {
			dimension = "p.PRODUCT_BRAND"
		}
		order = "TOTAL_SALES DESC"
	default:
		dimension, order = "p.PRODUCT_BRAND", "TOTAL_SALES DESC"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, SUM(s.VALUE_LC) AS TOTAL_SALES, SUM(s.UNITS) AS TOTAL_UNITS\n%s", dimension, salesFrom)

	var filters []string
	if len(d.Entities.Brands) > 0 {
		filters = append(filters, "p.PRODUCT_BRAND IN ("+quoteAll(d.Entities.Brands)+")")
	}
	if len(d.Entities.Regions) > 0 {
		filters = append(filters, "s.REGION IN ("+quoteAll(d.Entities.Regions)+")")
	}
	if len(d.Entities.Quarters) > 0 {
		filters = append(filters, "s.PERIOD_MONTH IN ("+quoteAll(quarterMonths(d.Entities.Quarters))+")")
	}
	if len(filters) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(filters, " AND "))
	}
	fmt.Fprintf(&b, "\nGROUP BY %s\nORDER BY %s", dimension, order)
	return b.String()
}

// quarterMonths expands quarters of the warehouse year into PERIOD_MONTH keys.
func quarterMonths(quarters []int) []string {
	var months []string
	for _, q := range quarters {
		for m := (q-1)*3 + 1; m <= q*3; m++ {
			months = append(months, fmt.Sprintf("%d-%02d", warehouseYear, m))
		}
	}
	return months
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return strings.Join(quoted, ", ")
}
