package analysis

import (
	"fmt"

	"github.com/zhouzirui/datapella/backend/internal/analysis/intent"
)

// recommendChart picks a visualization from the intent and the result shape.
func recommendChart(st *state) Chart {
	if len(st.rows) == 0 {
		return Chart{Type: "none", Title: "No matching sales"}
	}

	xKey := ""
	for _, key := range []string{"PERIOD_MONTH", "REGION", "PRODUCT_BRAND"} {
		if _, ok := st.rows[0][key]; ok {
			xKey = key
			break
		}
	}
	if xKey == "" {
		return Chart{Type: "table", Title: "Query results"}
	}

	switch {
	case st.decision.Intent == intent.Trend || xKey == "PERIOD_MONTH":
		return Chart{Type: "line", XKey: xKey, YKey: "TOTAL_SALES", Title: "Sales by Month"}
	case len(st.rows) == 1:
		return Chart{Type: "table", XKey: xKey, YKey: "TOTAL_SALES", Title: "Sales Summary"}
	default:
		return Chart{Type: "bar", XKey: xKey, YKey: "TOTAL_SALES", Title: fmt.Sprintf("Sales by %s", axisLabel(xKey))}
	}
}

func axisLabel(key string) string {
	switch key {
	case "REGION":
		return "Region"
	case "PRODUCT_BRAND":
		return "Brand"
	default:
		return key
	}
}
