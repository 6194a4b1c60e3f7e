package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quicksoap/quicksoap/internal/domain/report"
)

type generateRequest struct {
	Narrative string `json:"narrative"`
}

// Generator posts the merged narrative and reads back the report text and
// the optional patient name.
type Generator struct {
	client
}

func NewGenerator(cfg Config) *Generator {
	return &Generator{client: newClient(cfg)}
}

func (g *Generator) Generate(ctx context.Context, narrative string) (report.GeneratorResult, error) {
	body, err := json.Marshal(generateRequest{Narrative: narrative})
	if err != nil {
		return report.GeneratorResult{}, fmt.Errorf("encode request: %w", err)
	}
	var out report.GeneratorResult
	if err := g.post(ctx, "application/json", body, &out); err != nil {
		return report.GeneratorResult{}, err
	}
	return out, nil
}
