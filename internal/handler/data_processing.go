package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// DataProcessingPayload is the input of a process_data action
type DataProcessingPayload struct {
	Data   []map[string]any `json:"data"`
	Params map[string]any   `json:"params"`
}

// DataProcessor defines the interface for data processing operations
type DataProcessor interface {
	Process(ctx context.Context, data []map[string]any, params map[string]any) (any, error)
}

// DataProcessingHandler runs named processors over JSON record arrays
type DataProcessingHandler struct {
	logger *zap.Logger

	mu         sync.RWMutex
	processors map[string]DataProcessor
}

// NewDataProcessingHandler creates a handler with the filter, transform and aggregate processors
func NewDataProcessingHandler(logger *zap.Logger) *DataProcessingHandler {
	h := &DataProcessingHandler{
		logger:     logger.Named("data-processing"),
		processors: make(map[string]DataProcessor),
	}

	h.RegisterProcessor("filter", &FilterProcessor{})
	h.RegisterProcessor("transform", &TransformProcessor{})
	h.RegisterProcessor("aggregate", &AggregateProcessor{})

	return h
}

// RegisterProcessor registers a new data processor
func (h *DataProcessingHandler) RegisterProcessor(name string, processor DataProcessor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processors[name] = processor
}

// Process runs the named processor over input and returns the marshaled output
func (h *DataProcessingHandler) Process(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	h.mu.RLock()
	processor, ok := h.processors[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("processor %q: %w", name, model.ErrNotFound)
	}

	var payload DataProcessingPayload
	if len(input) > 0 {
		if err := json.Unmarshal(input, &payload); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal payload: %v", model.ErrValidation, err)
		}
	}

	h.logger.Debug("Processing data",
		zap.String("processor", name),
		zap.Int("records", len(payload.Data)))

	result, err := processor.Process(ctx, payload.Data, payload.Params)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return out, nil
}

// RecordSet is the output of record-preserving processors
type RecordSet struct {
	Data  []map[string]any `json:"data"`
	Count int              `json:"count"`
}

// FilterProcessor keeps records whose field satisfies a comparison.
// Params: field, op (eq, ne, gt, gte, lt, lte, contains, exists) and value.
type FilterProcessor struct{}

func (p *FilterProcessor) Process(_ context.Context, data []map[string]any, params map[string]any) (any, error) {
	field, _ := params["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("%w: filter requires a field", model.ErrValidation)
	}
	op, _ := params["op"].(string)
	if op == "" {
		op = "eq"
	}
	value := params["value"]

	out := make([]map[string]any, 0, len(data))
	for _, record := range data {
		ok, err := match(record, field, op, value)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return RecordSet{Data: out, Count: len(out)}, nil
}

func match(record map[string]any, field, op string, want any) (bool, error) {
	got, present := record[field]

	switch op {
	case "exists":
		return present, nil
	case "eq":
		return present && equal(got, want), nil
	case "ne":
		return !present || !equal(got, want), nil
	case "contains":
		switch v := got.(type) {
		case string:
			s, _ := want.(string)
			return strings.Contains(v, s), nil
		case []any:
			for _, item := range v {
				if equal(item, want) {
					return true, nil
				}
			}
		}
		return false, nil
	case "gt", "gte", "lt", "lte":
		if !present {
			return false, nil
		}
		c, ok := compare(got, want)
		if !ok {
			return false, nil
		}
		switch op {
		case "gt":
			return c > 0, nil
		case "gte":
			return c >= 0, nil
		case "lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, fmt.Errorf("%w: unknown filter op %q", model.ErrValidation, op)
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare orders two numbers or two strings
func compare(a, b any) (int, bool) {
	if x, ok := a.(float64); ok {
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

// TransformProcessor reshapes every record.
// Params: select (list of fields to keep), rename (old to new) and multiply (field to factor).
type TransformProcessor struct{}

func (p *TransformProcessor) Process(_ context.Context, data []map[string]any, params map[string]any) (any, error) {
	var keep map[string]bool
	if sel, ok := params["select"].([]any); ok {
		keep = make(map[string]bool, len(sel))
		for _, f := range sel {
			if s, ok := f.(string); ok {
				keep[s] = true
			}
		}
	}
	rename, _ := params["rename"].(map[string]any)
	multiply, _ := params["multiply"].(map[string]any)

	out := make([]map[string]any, 0, len(data))
	for _, record := range data {
		next := make(map[string]any, len(record))
		for k, v := range record {
			if keep != nil && !keep[k] {
				continue
			}
			if factor, ok := multiply[k].(float64); ok {
				n, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("%w: field %q is not numeric", model.ErrValidation, k)
				}
				v = n * factor
			}
			if to, ok := rename[k].(string); ok && to != "" {
				k = to
			}
			next[k] = v
		}
		out = append(out, next)
	}
	return RecordSet{Data: out, Count: len(out)}, nil
}

// Aggregation is the output of the aggregate processor. Groups is set
// instead of Value when group_by is given.
type Aggregation struct {
	Op     string             `json:"op"`
	Field  string             `json:"field,omitempty"`
	Value  *float64           `json:"value,omitempty"`
	Groups map[string]float64 `json:"groups,omitempty"`
}

// AggregateProcessor reduces records to a number.
// Params: op (count, sum, avg, min, max), field and optional group_by.
type AggregateProcessor struct{}

func (p *AggregateProcessor) Process(_ context.Context, data []map[string]any, params map[string]any) (any, error) {
	op, _ := params["op"].(string)
	if op == "" {
		op = "count"
	}
	field, _ := params["field"].(string)
	if op != "count" && field == "" {
		return nil, fmt.Errorf("%w: %s requires a field", model.ErrValidation, op)
	}
	groupBy, _ := params["group_by"].(string)

	groups := make(map[string][]map[string]any)
	var order []string
	for _, record := range data {
		key := ""
		if groupBy != "" {
			key = fmt.Sprint(record[groupBy])
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], record)
	}
	sort.Strings(order)

	result := Aggregation{Op: op, Field: field}
	if groupBy == "" {
		v, err := reduce(op, field, data)
		if err != nil {
			return nil, err
		}
		result.Value = &v
		return result, nil
	}

	result.Groups = make(map[string]float64, len(order))
	for _, key := range order {
		v, err := reduce(op, field, groups[key])
		if err != nil {
			return nil, err
		}
		result.Groups[key] = v
	}
	return result, nil
}

func reduce(op, field string, records []map[string]any) (float64, error) {
	if op == "count" {
		return float64(len(records)), nil
	}

	var values []float64
	for _, record := range records {
		if v, ok := record[field].(float64); ok {
			values = append(values, v)
		}
	}

	switch op {
	case "sum", "avg":
		var sum float64
		for _, v := range values {
			sum += v
		}
		if op == "avg" {
			if len(values) == 0 {
				return 0, nil
			}
			return sum / float64(len(values)), nil
		}
		return sum, nil
	case "min", "max":
		if len(values) == 0 {
			return 0, nil
		}
		best := values[0]
		for _, v := range values[1:] {
			if (op == "min" && v < best) || (op == "max" && v > best) {
				best = v
			}
		}
		return best, nil
	}
	return 0, fmt.Errorf("%w: unknown aggregate op %q", model.ErrValidation, op)
}
