package rules

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kage/internal/model"
)

// outcome is a compiled rule result: a bare label, a bare number, or an object
// carrying category, score and confidence.
type outcome struct {
	category   string
	score      *decimal.Decimal
	confidence *float64
	raw        any
}

type outcomeObject struct {
	Category   string       `json:"category"`
	Score      *json.Number `json:"score"`
	Confidence *float64     `json:"confidence"`
}

// present reports whether a definition field was supplied and is not null.
func present(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func parseOutcome(path string, raw json.RawMessage) (outcome, error) {
	if !present(raw) {
		return outcome{}, defErr(path, "result is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return outcome{}, defErr(path, "invalid JSON: %v", err)
	}

	switch x := generic.(type) {
	case string:
		if x == "" {
			return outcome{}, defErr(path, "label must not be empty")
		}
		return outcome{category: x, raw: x}, nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return outcome{}, defErr(path, "invalid number %q", x.String())
		}
		return outcome{score: &d, raw: d.InexactFloat64()}, nil
	case map[string]any:
		var obj outcomeObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return outcome{}, defErr(path, "invalid result object: %v", err)
		}
		o := outcome{category: obj.Category, confidence: obj.Confidence}
		if obj.Score != nil {
			d, err := decimal.NewFromString(obj.Score.String())
			if err != nil {
				return outcome{}, defErr(path+".score", "invalid number")
			}
			o.score = &d
		}
		if o.category == "" && o.score == nil {
			return outcome{}, defErr(path, "result object needs a category or a score")
		}
		if o.confidence != nil && (*o.confidence < 0 || *o.confidence > 1) {
			return outcome{}, defErr(path+".confidence", "must be within [0,1]")
		}
		o.raw = x
		return o, nil
	}
	return outcome{}, defErr(path, "result must be a label, a number or an object")
}

func (o outcome) toModel() model.Outcome {
	out := model.Outcome{Category: o.category}
	if o.score != nil {
		f := o.score.InexactFloat64()
		out.Score = &f
	}
	if o.confidence != nil {
		c := *o.confidence
		out.Confidence = &c
	}
	return out
}

// label is how the outcome reads in an explanation.
func (o outcome) label() string {
	if o.category != "" {
		return o.category
	}
	if o.score != nil {
		return o.score.String()
	}
	return ""
}
