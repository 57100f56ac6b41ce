package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/datapella/backend/internal/analysis/intent"
	"github.com/zhouzirui/datapella/backend/internal/service/warehouse"
)

func openWarehouse(t *testing.T) *warehouse.Warehouse {
	t.Helper()
	wh, err := warehouse.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })
	return wh
}

func newTestPipeline(t *testing.T, wh Warehouse, narrator Narrator) *Pipeline {
	t.Helper()
	p, err := NewPipeline(context.Background(), wh, narrator)
	require.NoError(t, err)
	return p
}

func TestRunSalesQuestion(t *testing.T) {
	p := newTestPipeline(t, openWarehouse(t), nil)

	var deltas []string
	result, err := p.Run(context.Background(), "What were Q1 sales?", func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, intent.SalesAnalysis, result.Intent.Intent)
	assert.Contains(t, result.SQL, "s.PERIOD_MONTH IN ('2024-01', '2024-02', '2024-03')")
	assert.Len(t, result.Data, 5)
	assert.Equal(t, "bar", result.Chart.Type)
	assert.Equal(t, "PRODUCT_BRAND", result.Chart.XKey)

	require.NotEmpty(t, deltas)
	assert.Greater(t, len(deltas), 1)
	assert.Equal(t, result.Narrative, strings.Join(deltas, ""))
	assert.Contains(t, result.Narrative, "leads with")
}

func TestRunTrendQuestion(t *testing.T) {
	p := newTestPipeline(t, openWarehouse(t), nil)

	result, err := p.Run(context.Background(), "Show the monthly trend for Advil", nil)
	require.NoError(t, err)

	assert.Equal(t, intent.Trend, result.Intent.Intent)
	assert.Contains(t, result.SQL, "p.PRODUCT_BRAND IN ('Advil')")
	assert.Len(t, result.Data, 6)
	assert.Equal(t, "line", result.Chart.Type)
	assert.Equal(t, "2024-01", result.Data[0]["PERIOD_MONTH"])
	assert.Contains(t, result.Narrative, "grew")
}

func TestRunRegionComparison(t *testing.T) {
	p := newTestPipeline(t, openWarehouse(t), nil)

	result, err := p.Run(context.Background(), "Compare North and South", nil)
	require.NoError(t, err)

	assert.Equal(t, intent.Comparison, result.Intent.Intent)
	require.Len(t, result.Data, 2)
	assert.Equal(t, "REGION", result.Chart.XKey)
}

func TestRunRejectsEmptyQuestion(t *testing.T) {
	p := newTestPipeline(t, openWarehouse(t), nil)
	_, err := p.Run(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestRunStopsWhenEmitFails(t *testing.T) {
	p := newTestPipeline(t, openWarehouse(t), nil)
	stop := errors.New("client went away")

	calls := 0
	_, err := p.Run(context.Background(), "What were Q1 sales?", func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

type failingWarehouse struct {
	*warehouse.Warehouse
}

func (f failingWarehouse) Execute(ctx context.Context, query string) ([]warehouse.Row, error) {
	if strings.Contains(query, "SUM(") {
		return nil, errors.New("warehouse offline")
	}
	return f.Warehouse.Execute(ctx, query)
}

func TestRunReportsWarehouseFailure(t *testing.T) {
	p := newTestPipeline(t, failingWarehouse{openWarehouse(t)}, nil)

	_, err := p.Run(context.Background(), "What were Q1 sales?", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse offline")
}

type fakeChatModel struct {
	reply []string
	input []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	return schema.AssistantMessage(strings.Join(f.reply, ""), nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	chunks := make([]*schema.Message, len(f.reply))
	for i, r := range f.reply {
		chunks[i] = schema.AssistantMessage(r, nil)
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (f *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestModelNarratorStreamsChatModelOutput(t *testing.T) {
	ctx := context.Background()
	chatModel := &fakeChatModel{reply: []string{"Advil ", "leads ", "the ", "quarter."}}
	narrator, err := NewModelNarrator(ctx, chatModel)
	require.NoError(t, err)
	p := newTestPipeline(t, openWarehouse(t), narrator)

	var deltas []string
	result, err := p.Run(ctx, "What were Q1 sales?", func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Advil leads the quarter.", result.Narrative)
	assert.Equal(t, chatModel.reply, deltas)

	require.Len(t, chatModel.input, 2)
	assert.Equal(t, schema.System, chatModel.input[0].Role)
	assert.Contains(t, chatModel.input[0].Content, "FCT_SALES_NATIONAL_MTH")
	assert.Contains(t, chatModel.input[1].Content, "Question: What were Q1 sales?")
}

func TestWriteSQLQuotesLiterals(t *testing.T) {
	sql := writeSQL(intent.Decision{
		Intent:   intent.SalesAnalysis,
		Entities: intent.Entities{Brands: []string{"O'Brien"}},
	})
	assert.Contains(t, sql, "'O''Brien'")
}
