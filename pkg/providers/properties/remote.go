package properties

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
)

const defaultRemoteTimeout = 30 * time.Second

// Remote asks an HTTP prediction service for property values.
//
// Request:  POST {baseURL}/predict {"property": "...", "molecules": [{"inchikey": "...", "smiles": "..."}], "parameters": {...}}
// Response: {"version": "...", "results": [{"inchikey": "...", "value": ..., "confidence": 0.9}]}
type Remote struct {
	id      string
	baseURL string
	version string
	client  *http.Client
}

// NewRemote creates a provider registered under id that calls baseURL.
func NewRemote(id, baseURL, version string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}

	return &Remote{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		client:  client,
	}
}

func (p *Remote) ID() string {
	return p.id
}

func (p *Remote) Name() string {
	return "Remote predictor " + p.id
}

func (p *Remote) Description() string {
	return "Property predictions served over HTTP by " + p.baseURL
}

func (p *Remote) Version() string {
	return p.version
}

func (p *Remote) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"property":    map[string]any{"type": "string", "minLength": 1},
			"native_type": map[string]any{"type": "string", "enum": []string{"numeric", "integer", "text", "boolean", "list", "structured"}},
			"model":       map[string]any{"type": "string"},
		},
		"required": []string{"property", "native_type"},
	}
}

func (p *Remote) Produces(params map[string]any) (models.DataShape, error) {
	property, _ := params["property"].(string)
	nativeType, _ := params["native_type"].(string)

	if property == "" || !models.NativeType(nativeType).IsValid() {
		return models.DataShape{}, fmt.Errorf("%w: remote predictor requires 'property' and a known 'native_type'", models.ErrValidation)
	}

	return models.DataShape{Property: property, NativeType: models.NativeType(nativeType)}, nil
}

type remoteMolecule struct {
	InChIKey string `json:"inchikey"`
	SMILES   string `json:"smiles,omitempty"`
}

type remoteRequest struct {
	Property   string           `json:"property"`
	Molecules  []remoteMolecule `json:"molecules"`
	Parameters map[string]any   `json:"parameters,omitempty"`
}

type remoteResult struct {
	InChIKey   string   `json:"inchikey"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type remoteResponse struct {
	Results []remoteResult `json:"results"`
}

func (p *Remote) Produce(ctx context.Context, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	shape, err := p.Produces(params)
	if err != nil {
		return nil, err
	}

	request := remoteRequest{Property: shape.Property, Parameters: params}
	byKey := make(map[string]*models.Molecule, len(molecules))

	for _, molecule := range molecules {
		request.Molecules = append(request.Molecules, remoteMolecule{InChIKey: molecule.InChIKey, SMILES: molecule.SMILES})
		byKey[molecule.InChIKey] = molecule
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrProviderUnavailable, p.id, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading response: %v", protocol.ErrProviderUnavailable, p.id, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s answered %d", protocol.ErrProviderUnavailable, p.id, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s rejected the request (%d): %s", models.ErrValidation, p.id, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded remoteResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %s returned malformed JSON: %v", models.ErrTypeMismatch, p.id, err)
	}

	records := make([]*models.DataRecord, 0, len(decoded.Results))

	for _, result := range decoded.Results {
		molecule, ok := byKey[result.InChIKey]
		if !ok {
			return nil, errors.New("remote predictor returned unknown molecule " + result.InChIKey)
		}

		record, err := models.NewDataRecord(molecule.ID, shape.Property, shape.NativeType, result.Value, models.RecordSourceImported)
		if err != nil {
			return nil, fmt.Errorf("value for %s: %w", result.InChIKey, err)
		}

		record.Confidence = result.Confidence
		records = append(records, record)
	}

	return records, nil
}
