package processor

import (
	"fmt"
	"math"
	"strings"

	goeval "github.com/edisonguo/govaluate"
)

// BandExpression reduces bands with an arithmetic expression over band
// names, e.g. "(nir - red) / (nir + red)".
type BandExpression struct {
	Text    string
	expr    *goeval.EvaluableExpression
	varRefs []string
}

// ParseBandExpression compiles text and collects the band names it refers to.
func ParseBandExpression(text string) (*BandExpression, error) {
	if len(strings.TrimSpace(text)) == 0 {
		return nil, fmt.Errorf("empty band expression")
	}
	expr, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return nil, fmt.Errorf("band expression %q: %v", text, err)
	}

	seen := make(map[string]struct{})
	var refs []string
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		name, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
		}
		if _, found := seen[name]; !found {
			seen[name] = struct{}{}
			refs = append(refs, name)
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("band expression %q refers to no band", text)
	}
	return &BandExpression{Text: text, expr: expr, varRefs: refs}, nil
}

// Variables returns the band names referenced by the expression.
func (be *BandExpression) Variables() []string {
	return append([]string(nil), be.varRefs...)
}

func (be *BandExpression) ReduceBands(img *Image) ([]float32, error) {
	bands := make([][]float32, len(be.varRefs))
	for i, name := range be.varRefs {
		b, err := img.BandIndex(name)
		if err != nil {
			return nil, fmt.Errorf("band expression %q: %w", be.Text, err)
		}
		bands[i] = img.Band(b)
	}

	size := img.Width * img.Height
	out := initNoDataSlice(img.NoData, size)
	parameters := make(map[string]interface{}, len(be.varRefs))
	for p := 0; p < size; p++ {
		if img.Valid != nil && !img.Valid[p] {
			continue
		}
		noData := false
		for i, name := range be.varRefs {
			v := bands[i][p]
			if img.IsNoData(v) {
				noData = true
				break
			}
			parameters[name] = float64(v)
		}
		if noData {
			continue
		}

		result, err := be.expr.Evaluate(parameters)
		if err != nil {
			return nil, fmt.Errorf("eval '%v' error: %v", be.Text, err)
		}
		var val float32
		switch r := result.(type) {
		case float32:
			val = r
		case float64:
			val = float32(r)
		default:
			return nil, fmt.Errorf("failed to cast eval results '%v' to float32, %v", result, be.Text)
		}
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			continue
		}
		out[p] = val
	}
	return out, nil
}
