// Package properties provides property providers that produce data records.
package properties

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/dukex/cadmaflow/pkg/models"
)

const logPProperty = "logp"

// atom contributions for the fragment estimate, per heavy atom symbol.
var fragmentContributions = map[string]float64{
	"C":  0.36,
	"c":  0.29,
	"N":  -0.71,
	"n":  -0.49,
	"O":  -0.64,
	"o":  -0.17,
	"S":  0.42,
	"F":  0.37,
	"Cl": 0.84,
	"Br": 1.02,
	"I":  1.29,
}

// LogP estimates the octanol/water partition coefficient from the SMILES
// string with an additive fragment model. It is deterministic, which makes it
// suitable as the reference provider of compute steps.
type LogP struct{}

func NewLogP() *LogP {
	return &LogP{}
}

func (p *LogP) ID() string {
	return "logp"
}

func (p *LogP) Name() string {
	return "logP estimate"
}

func (p *LogP) Description() string {
	return "Estimates logP (octanol/water partition coefficient) from SMILES with an additive fragment model"
}

func (p *LogP) Version() string {
	return "1.0"
}

func (p *LogP) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"algorithm": map[string]any{
				"type":        "string",
				"enum":        []string{"v1", "v2"},
				"description": "v1 sums atom fragments, v2 also corrects for rings and branches",
				"default":     "v1",
			},
			"offset": map[string]any{
				"type":        "number",
				"description": "Constant added to every estimate",
				"default":     0,
			},
			"precision": map[string]any{
				"type":    "integer",
				"minimum": 0,
				"maximum": 6,
				"default": 2,
			},
		},
	}
}

func (p *LogP) Produces(params map[string]any) (models.DataShape, error) {
	if _, err := algorithmOf(params); err != nil {
		return models.DataShape{}, err
	}

	return models.DataShape{Property: logPProperty, NativeType: models.NativeTypeNumeric}, nil
}

func algorithmOf(params map[string]any) (string, error) {
	algorithm := "v1"
	if v, ok := params["algorithm"].(string); ok && v != "" {
		algorithm = v
	}

	if algorithm != "v1" && algorithm != "v2" {
		return "", fmt.Errorf("%w: unknown logP algorithm '%s'", models.ErrValidation, algorithm)
	}

	return algorithm, nil
}

func (p *LogP) Produce(ctx context.Context, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	offset, _ := params["offset"].(float64)

	precision := 2.0
	if v, ok := params["precision"].(float64); ok {
		precision = v
	}

	algorithm, err := algorithmOf(params)
	if err != nil {
		return nil, err
	}

	records := make([]*models.DataRecord, 0, len(molecules))
	confidence := 0.6

	for _, molecule := range molecules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if molecule.SMILES == "" {
			return nil, fmt.Errorf("%w: molecule %s has no SMILES", models.ErrValidation, molecule.InChIKey)
		}

		estimate := EstimateLogP(molecule.SMILES)
		if algorithm == "v2" {
			estimate += topologyCorrection(molecule.SMILES)
		}

		value := round(estimate+offset, int(precision))

		record, err := models.NewDataRecord(molecule.ID, logPProperty, models.NativeTypeNumeric, value, models.RecordSourceComputed)
		if err != nil {
			return nil, err
		}

		record.Confidence = &confidence
		records = append(records, record)
	}

	return records, nil
}

// EstimateLogP sums fragment contributions over the atoms of a SMILES string.
func EstimateLogP(smiles string) float64 {
	total := 0.0

	for i := 0; i < len(smiles); i++ {
		if i+1 < len(smiles) {
			if c, ok := fragmentContributions[smiles[i:i+2]]; ok && strings.Contains("lr", smiles[i+1:i+2]) {
				total += c
				i++

				continue
			}
		}

		if c, ok := fragmentContributions[smiles[i:i+1]]; ok {
			total += c
		}
	}

	return total
}

// topologyCorrection lowers the estimate by 0.1 per ring closure digit and
// per branch opened in the SMILES string.
func topologyCorrection(smiles string) float64 {
	correction := 0.0

	for _, r := range smiles {
		if r == '(' || (r >= '1' && r <= '9') {
			correction -= 0.1
		}
	}

	return correction
}

func round(value float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))

	return math.Round(value*factor) / factor
}
