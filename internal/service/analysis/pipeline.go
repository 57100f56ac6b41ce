// Package analysis answers analyst questions: it resolves intent, writes and
// runs SQL against the sales warehouse, picks a chart and streams a narrative.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/datapella/backend/internal/analysis/intent"
	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/service/warehouse"
)

// ErrEmptyQuestion rejects blank questions.
var ErrEmptyQuestion = errors.New("question is empty")

// Warehouse is what the pipeline needs from the sales warehouse.
type Warehouse interface {
	Execute(ctx context.Context, query string) ([]warehouse.Row, error)
	SchemaInfo(ctx context.Context) (string, error)
}

// Pipeline runs initializer, SQL writer, executor, chart recommender,
// narrator and merger in order.
type Pipeline struct {
	warehouse Warehouse
	narrator  Narrator
	catalog   intent.Catalog
	runnable  compose.Runnable[*state, *state]
	log       *logrus.Entry
}

// NewPipeline compiles the pipeline. A nil narrator falls back to the
// template narrator.
func NewPipeline(ctx context.Context, wh Warehouse, narrator Narrator) (*Pipeline, error) {
	if narrator == nil {
		narrator = TemplateNarrator{}
	}
	p := &Pipeline{
		warehouse: wh,
		narrator:  narrator,
		log:       logging.Module("analysis"),
	}

	catalog, err := loadCatalog(ctx, wh)
	if err != nil {
		return nil, err
	}
	p.catalog = catalog

	chain := compose.NewChain[*state, *state]()
	chain.
		AppendLambda(compose.InvokableLambda(p.initialize), compose.WithNodeName("initializer")).
		AppendLambda(compose.InvokableLambda(p.writeSQL), compose.WithNodeName("sql_writer")).
		AppendLambda(compose.InvokableLambda(p.execute), compose.WithNodeName("sql_executor")).
		AppendLambda(compose.InvokableLambda(p.recommendChart), compose.WithNodeName("chart_recommender")).
		AppendLambda(compose.InvokableLambda(p.narrate), compose.WithNodeName("data_analyst")).
		AppendLambda(compose.InvokableLambda(p.merge), compose.WithNodeName("merger"))

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis pipeline: %w", err)
	}
	p.runnable = runnable
	return p, nil
}

// Run answers question. emit receives narrative deltas as they are produced;
// an emit error aborts the run.
func (p *Pipeline) Run(ctx context.Context, question string, emit func(delta string) error) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	var emitErr error
	forward := func(delta string) error {
		if emit == nil {
			return nil
		}
		if err := emit(delta); err != nil {
			emitErr = err
			return err
		}
		return nil
	}

	out, err := p.runnable.Invoke(ctx, &state{query: question, emit: forward})
	if emitErr != nil {
		return nil, emitErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	return out.result, nil
}

func (p *Pipeline) initialize(ctx context.Context, st *state) (*state, error) {
	st.decision = intent.Resolve(st.query, p.catalog)
	schemaInfo, err := p.warehouse.SchemaInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("read warehouse schema: %w", err)
	}
	st.schema = schemaInfo
	p.log.WithFields(logrus.Fields{
		"intent": st.decision.Intent,
		"score":  st.decision.Score,
	}).Debug("question resolved")
	return st, nil
}

func (p *Pipeline) writeSQL(_ context.Context, st *state) (*state, error) {
	st.sql = writeSQL(st.decision)
	return st, nil
}

func (p *Pipeline) execute(ctx context.Context, st *state) (*state, error) {
	rows, err := p.warehouse.Execute(ctx, st.sql)
	if err != nil {
		return nil, fmt.Errorf("sql execution failed: %w", err)
	}
	st.rows = rows
	p.log.WithField("rows", len(rows)).Debug("sql executed")
	return st, nil
}

func (p *Pipeline) recommendChart(_ context.Context, st *state) (*state, error) {
	st.chart = recommendChart(st)
	return st, nil
}

func (p *Pipeline) narrate(ctx context.Context, st *state) (*state, error) {
	stream, err := p.narrator.Narrate(ctx, st)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("narrative stream failed: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		chunks = append(chunks, chunk)
		if err := st.emit(chunk.Content); err != nil {
			return nil, err
		}
	}

	if len(chunks) > 0 {
		full, err := schema.ConcatMessages(chunks)
		if err != nil {
			return nil, fmt.Errorf("concat narrative: %w", err)
		}
		st.narrative = full.Content
	}
	return st, nil
}

func (p *Pipeline) merge(_ context.Context, st *state) (*state, error) {
	data := st.rows
	if data == nil {
		data = []warehouse.Row{}
	}
	st.result = &Result{
		Query:     st.query,
		Intent:    st.decision,
		SQL:       st.sql,
		Data:      data,
		Chart:     st.chart,
		Narrative: st.narrative,
	}
	return st, nil
}

func loadCatalog(ctx context.Context, wh Warehouse) (intent.Catalog, error) {
	var catalog intent.Catalog
	brands, err := wh.Execute(ctx, `SELECT DISTINCT PRODUCT_BRAND FROM DIM_SOURCE_PRODUCT ORDER BY PRODUCT_BRAND`)
	if err != nil {
		return catalog, fmt.Errorf("load brands: %w", err)
	}
	for _, row := range brands {
		if name, ok := row["PRODUCT_BRAND"].(string); ok {
			catalog.Brands = append(catalog.Brands, name)
		}
	}

	regions, err := wh.Execute(ctx, `SELECT DISTINCT REGION FROM FCT_SALES_NATIONAL_MTH ORDER BY REGION`)
	if err != nil {
		return catalog, fmt.Errorf("load regions: %w", err)
	}
	for _, row := range regions {
		if name, ok := row["REGION"].(string); ok {
			catalog.Regions = append(catalog.Regions, name)
		}
	}
	return catalog, nil
}
