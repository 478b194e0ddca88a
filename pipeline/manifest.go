package pipeline

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport kinds recognized in a PortSpec.
const (
	PortTCP    = "tcp"
	PortVSock  = "vsock"
	PortDuplex = "duplex"
)

// PortSpec is a transport-tagged address for one channel endpoint.
type PortSpec struct {
	Kind string `json:"type"`
	// Addr is the host:port address for tcp endpoints.
	Addr string `json:"addr,omitempty"`
	// CID and Port locate a vsock endpoint.
	CID  uint32 `json:"cid,omitempty"`
	Port uint32 `json:"port,omitempty"`
}

func (p PortSpec) validate(field string) error {
	switch p.Kind {
	case PortTCP:
		if p.Addr == "" {
			return Errorf(KindConfig, "%s: tcp endpoint missing addr", field)
		}
	case PortVSock:
		if p.Port == 0 {
			return Errorf(KindConfig, "%s: vsock endpoint missing port", field)
		}
	case PortDuplex:
	default:
		return Errorf(KindConfig, "%s: unknown transport kind %q", field, p.Kind)
	}
	return nil
}

// StageEndpoint groups the three channel addresses of one stage.
type StageEndpoint struct {
	Control PortSpec `json:"control"`
	DataIn  PortSpec `json:"data_in"`
	DataOut PortSpec `json:"data_out"`
}

// StageSpec describes one pipeline stage: its contiguous layer range, the
// identity it must present, and where to reach it.
type StageSpec struct {
	StageIdx   uint32 `json:"stage_idx"`
	LayerStart int    `json:"layer_start"`
	LayerEnd   int    `json:"layer_end"`
	// WeightHashes are hex-encoded SHA-256 digests of the stage's weight
	// files, verified by the stage runtime against its executor.
	WeightHashes []string `json:"weight_hashes,omitempty"`
	// ExpectedMeasurements maps register index to the hex-encoded
	// measurement the stage must present during attestation.
	ExpectedMeasurements map[int]string `json:"expected_measurements,omitempty"`
	Endpoint             StageEndpoint  `json:"endpoint"`
}

// NumLayers returns the number of layers assigned to this stage.
func (s *StageSpec) NumLayers() int { return s.LayerEnd - s.LayerStart }

// DecodedMeasurements converts the hex-encoded expected measurements into
// raw bytes keyed by register index.
func (s *StageSpec) DecodedMeasurements() (map[int][]byte, error) {
	if len(s.ExpectedMeasurements) == 0 {
		return nil, nil
	}
	out := make(map[int][]byte, len(s.ExpectedMeasurements))
	for reg, h := range s.ExpectedMeasurements {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, Errorf(KindConfig, "stage %d: measurement register %d is not hex: %v", s.StageIdx, reg, err)
		}
		out[reg] = raw
	}
	return out, nil
}

// ActivationSpec declares the wire shape of inter-stage activations.
type ActivationSpec struct {
	DType     string `json:"dtype"`
	HiddenDim uint32 `json:"hidden_dim"`
	MaxSeqLen uint32 `json:"max_seq_len"`
}

// ElementType resolves the declared dtype name.
func (a ActivationSpec) ElementType() (DType, error) { return ParseDType(a.DType) }

// Manifest declares a chain of N ≥ 1 stages and the tensor format that flows
// between them. It is validated before any network operation.
type Manifest struct {
	ModelName      string         `json:"model_name"`
	ModelVersion   string         `json:"model_version"`
	TotalLayers    int            `json:"total_layers"`
	Stages         []StageSpec    `json:"stages"`
	ActivationSpec ActivationSpec `json:"activation_spec"`
}

// NumStages returns the chain length.
func (m *Manifest) NumStages() int { return len(m.Stages) }

// Validate checks the manifest invariants: non-empty chain, in-order stage
// indices, valid and contiguous layer ranges starting at 0 and covering
// total_layers, resolvable dtype, and well-formed endpoints/measurements.
func (m *Manifest) Validate() error {
	if len(m.Stages) == 0 {
		return Errorf(KindConfig, "manifest has no stages")
	}
	if m.TotalLayers <= 0 {
		return Errorf(KindConfig, "total_layers must be positive, got %d", m.TotalLayers)
	}
	for i := range m.Stages {
		s := &m.Stages[i]
		if s.StageIdx != uint32(i) {
			return Errorf(KindConfig, "stage at position %d declares stage_idx %d", i, s.StageIdx)
		}
		if s.LayerStart >= s.LayerEnd {
			return Errorf(KindConfig, "stage %d: layer_start %d >= layer_end %d", i, s.LayerStart, s.LayerEnd)
		}
		if err := s.Endpoint.Control.validate(fmt.Sprintf("stage %d control", i)); err != nil {
			return err
		}
		if err := s.Endpoint.DataIn.validate(fmt.Sprintf("stage %d data_in", i)); err != nil {
			return err
		}
		if err := s.Endpoint.DataOut.validate(fmt.Sprintf("stage %d data_out", i)); err != nil {
			return err
		}
		if _, err := s.DecodedMeasurements(); err != nil {
			return err
		}
	}
	for i := 0; i < len(m.Stages)-1; i++ {
		if m.Stages[i].LayerEnd != m.Stages[i+1].LayerStart {
			return Errorf(KindConfig, "layer coverage gap: stage %d ends at %d, stage %d starts at %d",
				i, m.Stages[i].LayerEnd, i+1, m.Stages[i+1].LayerStart)
		}
	}
	if m.Stages[0].LayerStart != 0 {
		return Errorf(KindConfig, "first stage must start at layer 0, starts at %d", m.Stages[0].LayerStart)
	}
	if last := m.Stages[len(m.Stages)-1].LayerEnd; last != m.TotalLayers {
		return Errorf(KindConfig, "stages cover %d layers but total_layers is %d", last, m.TotalLayers)
	}
	if _, err := m.ActivationSpec.ElementType(); err != nil {
		return err
	}
	return nil
}

// ParseManifest decodes a JSON manifest and validates it. Unknown fields are
// rejected unless their name starts with "_" (reserved for forward-compat
// extensions).
func ParseManifest(data []byte) (*Manifest, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, Errorf(KindConfig, "manifest is not valid JSON: %v", err)
	}
	return strictDecode(generic)
}

// ParseManifestYAML decodes a YAML manifest through the same strict path.
func ParseManifestYAML(data []byte) (*Manifest, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, Errorf(KindConfig, "manifest is not valid YAML: %v", err)
	}
	return strictDecode(generic)
}

// LoadManifest reads a manifest file, choosing the parser by extension
// (.yaml/.yml → YAML, anything else → JSON).
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf(KindConfig, "reading manifest: %v", err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return ParseManifestYAML(data)
	default:
		return ParseManifest(data)
	}
}

// EncodeJSON serializes the manifest.
func (m *Manifest) EncodeJSON() ([]byte, error) {
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, Errorf(KindConfig, "encoding manifest: %v", err)
	}
	return out, nil
}

func strictDecode(generic any) (*Manifest, error) {
	filtered := stripExtensions(generic)
	buf, err := json.Marshal(filtered)
	if err != nil {
		return nil, Errorf(KindConfig, "normalizing manifest: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, Errorf(KindConfig, "manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// stripExtensions drops object keys starting with "_" at every level, so the
// strict decoder only sees the recognized schema.
func stripExtensions(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if strings.HasPrefix(k, "_") {
				continue
			}
			out[k] = stripExtensions(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripExtensions(item)
		}
		return out
	default:
		return v
	}
}
