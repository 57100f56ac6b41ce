package analysis

import (
	"github.com/zhouzirui/datapella/backend/internal/analysis/intent"
	"github.com/zhouzirui/datapella/backend/internal/service/warehouse"
)

// Chart tells the presentation layer how to plot the result rows.
type Chart struct {
	Type  string `json:"type"`
	XKey  string `json:"xKey,omitempty"`
	YKey  string `json:"yKey,omitempty"`
	Title string `json:"title"`
}

// Result is the structured payload sent with the final frame.
type Result struct {
	Query     string          `json:"query"`
	Intent    intent.Decision `json:"intent"`
	SQL       string          `json:"sql"`
	Data      []warehouse.Row `json:"data"`
	Chart     Chart           `json:"chart"`
	Narrative string          `json:"narrative"`
}

// state flows through the pipeline nodes.
type state struct {
	query     string
	decision  intent.Decision
	schema    string
	sql       string
	rows      []warehouse.Row
	chart     Chart
	narrative string
	result    *Result

	emit func(delta string) error
}
