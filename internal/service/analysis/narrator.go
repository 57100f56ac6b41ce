package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/datapella/backend/internal/analysis/intent"
)

// Narrator streams the written analysis of a pipeline state.
type Narrator interface {
	Narrate(ctx context.Context, st *state) (*schema.StreamReader[*schema.Message], error)
}

// ModelNarrator asks a chat model for the narrative through an eino chain.
type ModelNarrator struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewModelNarrator compiles the prompt and chatModel into a chain.
func NewModelNarrator(ctx context.Context, chatModel model.ChatModel) (*ModelNarrator, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile narrative chain: %w", err)
	}
	return &ModelNarrator{chain: runnable}, nil
}

// Narrate implements Narrator.
func (n *ModelNarrator) Narrate(ctx context.Context, st *state) (*schema.StreamReader[*schema.Message], error) {
	input, err := buildChainInput(st)
	if err != nil {
		return nil, err
	}
	stream, err := n.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream narrative: %w", err)
	}
	return stream, nil
}

// TemplateNarrator writes the narrative from the rows without a model. It is
// used when no model credentials are configured.
type TemplateNarrator struct{}

// Narrate implements Narrator by streaming the summary word by word.
func (TemplateNarrator) Narrate(_ context.Context, st *state) (*schema.StreamReader[*schema.Message], error) {
	words := strings.SplitAfter(summarize(st), " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(w, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func summarize(st *state) string {
	if len(st.rows) == 0 {
		return "I could not find any sales matching that question in the warehouse."
	}

	key := st.chart.XKey
	if key == "" {
		return fmt.Sprintf("The query returned %d rows.", len(st.rows))
	}

	if st.decision.Intent == intent.Trend || key == "PERIOD_MONTH" {
		first, last := st.rows[0], st.rows[len(st.rows)-1]
		from, _ := toFloat(first["TOTAL_SALES"])
		to, _ := toFloat(last["TOTAL_SALES"])
		direction := "held steady"
		if to > from {
			direction = "grew"
		} else if to < from {
			direction = "declined"
		}
		change := 0.0
		if from != 0 {
			change = (to - from) / from * 100
		}
		return fmt.Sprintf("Sales %s from %.2f in %v to %.2f in %v, a change of %.1f%% across %d months.",
			direction, from, first[key], to, last[key], change, len(st.rows))
	}

	var total float64
	for _, row := range st.rows {
		v, _ := toFloat(row["TOTAL_SALES"])
		total += v
	}
	top := st.rows[0]
	topValue, _ := toFloat(top["TOTAL_SALES"])
	if len(st.rows) == 1 {
		return fmt.Sprintf("%v recorded %.2f in total sales.", top[key], topValue)
	}

	bottom := st.rows[len(st.rows)-1]
	bottomValue, _ := toFloat(bottom["TOTAL_SALES"])
	share := 0.0
	if total != 0 {
		share = topValue / total * 100
	}
	return fmt.Sprintf("%v leads with %.2f in total sales, %.1f%% of the %.2f across %d %s. %v trails with %.2f.",
		top[key], topValue, share, total, len(st.rows), plural(axisLabel(key)), bottom[key], bottomValue)
}

func plural(label string) string {
	switch label {
	case "Brand":
		return "brands"
	case "Region":
		return "regions"
	default:
		return "groups"
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
