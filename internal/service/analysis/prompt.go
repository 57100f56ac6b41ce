package analysis

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// maxPromptRows bounds how many result rows are shown to the model.
const maxPromptRows = 20

const analystSystemPrompt = `You are DataPella, a data analyst for a consumer health sales team.
You receive an analyst's question, the SQL that answered it and the result rows.
Write a short narrative (3 to 5 sentences) of what the numbers show.

Rules:
- Quote figures from the rows only, never invent data.
- Name the leading and trailing items when the rows rank brands, regions or months.
- Mention the direction of change when the rows are a time series.
- Plain prose, no markdown tables, no SQL.

Warehouse schema:
%s`

// buildChainInput assembles the prompt variables for the narrative chain.
func buildChainInput(st *state) (map[string]any, error) {
	rows := st.rows
	truncated := false
	if len(rows) > maxPromptRows {
		rows, truncated = rows[:maxPromptRows], true
	}
	data, err := sonic.ConfigStd.MarshalToString(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal rows: %w", err)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", st.query)
	fmt.Fprintf(&user, "Intent: %s\n", st.decision.Intent)
	fmt.Fprintf(&user, "SQL:\n%s\n", st.sql)
	fmt.Fprintf(&user, "Rows (%d):\n%s", len(st.rows), data)
	if truncated {
		fmt.Fprintf(&user, "\n(first %d rows shown)", maxPromptRows)
	}

	return map[string]any{
		"system": fmt.Sprintf(analystSystemPrompt, strings.TrimSpace(st.schema)),
		"query":  user.String(),
	}, nil
}
