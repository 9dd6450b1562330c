package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxControlSize caps control documents; anything larger is not a control document.
const maxControlSize = 4 * 1024 * 1024

// Reserved input keys. Every other scalar key on an input is scene metadata.
const (
	KeyFilename    = "filename"
	KeyCloudFile   = "cloud_file"
	KeyNoData      = "nodata"
	KeyCloudNoData = "cloud_nodata"
	KeyClass       = "class"
)

// ErrInvalidControl marks every control document validation failure.
var ErrInvalidControl = errors.New("invalid control document")

// Control is one compositing run: the inputs, the quality chain and the
// outputs. It is loaded from JSON or YAML, or assembled from command line flags.
type Control struct {
	OutputFile    string  `json:"output_file" yaml:"output_file"`
	SourceTrace   string  `json:"source_trace,omitempty" yaml:"source_trace,omitempty"`
	QualityOutput string  `json:"quality_output,omitempty" yaml:"quality_output,omitempty"`
	Compositors   []Stage `json:"compositors" yaml:"compositors"`
	Inputs        []Input `json:"inputs" yaml:"inputs"`
	BlockSize     int     `json:"block_size,omitempty" yaml:"block_size,omitempty"`
	Workers       int     `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// Stage is one compositor entry: a class tag plus class-specific parameters.
// Parameters stay untyped here; package quality interprets them.
type Stage struct {
	Class  string
	Params map[string]any
}

// Input is one scene: its color raster, optional cloud raster, nodata
// overrides and scalar metadata. Numeric metadata can drive a scene_measure
// stage; other scalars (scene ids, sensor names) are kept as Attributes.
type Input struct {
	Filename    string
	CloudFile   string
	NoData      *float64
	CloudNoData *float64
	Metadata    map[string]float64
	Attributes  map[string]string
}

// LoadControl reads a control document. Files ending in .yaml or .yml are
// YAML; everything else is JSON.
func LoadControl(path string) (*Control, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat control document: %w", err)
	}
	if info.Size() > maxControlSize {
		return nil, fmt.Errorf("config: control document too large: %d bytes (max %d)", info.Size(), maxControlSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read control document: %w", err)
	}

	var ctrl Control
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &ctrl); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ctrl); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := ctrl.Validate(); err != nil {
		return nil, err
	}
	return &ctrl, nil
}

// Validate checks the document shape. Stage parameters are checked when the
// quality chain is built.
func (c *Control) Validate() error {
	if c.OutputFile == "" {
		return fmt.Errorf("config: output_file: is required: %w", ErrInvalidControl)
	}
	if len(c.Inputs) == 0 {
		return fmt.Errorf("config: inputs: at least one input is required: %w", ErrInvalidControl)
	}
	for i, in := range c.Inputs {
		if in.Filename == "" {
			return fmt.Errorf("config: inputs[%d].filename: is required: %w", i, ErrInvalidControl)
		}
	}
	if len(c.Compositors) == 0 {
		return fmt.Errorf("config: compositors: at least one stage is required: %w", ErrInvalidControl)
	}
	for i, st := range c.Compositors {
		if st.Class == "" {
			return fmt.Errorf("config: compositors[%d].class: is required: %w", i, ErrInvalidControl)
		}
	}
	if c.BlockSize < 0 {
		return fmt.Errorf("config: block_size: must not be negative: %w", ErrInvalidControl)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers: must not be negative: %w", ErrInvalidControl)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stage encoding
// ---------------------------------------------------------------------------

func (s *Stage) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	return s.fromMap(m)
}

func (s *Stage) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return err
	}
	return s.fromMap(m)
}

func (s Stage) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Params)+1)
	for k, v := range s.Params {
		m[k] = v
	}
	m[KeyClass] = s.Class
	return json.Marshal(m)
}

func (s *Stage) fromMap(m map[string]any) error {
	raw, ok := m[KeyClass]
	if !ok {
		return errors.New("compositor entry has no class")
	}
	class, ok := raw.(string)
	if !ok {
		return fmt.Errorf("compositor class must be a string, got %T", raw)
	}
	s.Class = class
	s.Params = make(map[string]any, len(m)-1)
	for k, v := range m {
		if k != KeyClass {
			s.Params[k] = v
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Input encoding
// ---------------------------------------------------------------------------

func (in *Input) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	return in.fromMap(m)
}

func (in *Input) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return err
	}
	return in.fromMap(m)
}

func (in Input) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(in.Metadata)+len(in.Attributes)+4)
	for k, v := range in.Attributes {
		m[k] = v
	}
	for k, v := range in.Metadata {
		m[k] = v
	}
	m[KeyFilename] = in.Filename
	if in.CloudFile != "" {
		m[KeyCloudFile] = in.CloudFile
	}
	if in.NoData != nil {
		m[KeyNoData] = *in.NoData
	}
	if in.CloudNoData != nil {
		m[KeyCloudNoData] = *in.CloudNoData
	}
	return json.Marshal(m)
}

func (in *Input) fromMap(m map[string]any) error {
	*in = Input{Metadata: map[string]float64{}}

	// Sorted keys keep error messages stable.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		switch k {
		case KeyFilename, KeyCloudFile:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("input key %q must be a string, got %T", k, v)
			}
			if k == KeyFilename {
				in.Filename = s
			} else {
				in.CloudFile = s
			}
		case KeyNoData, KeyCloudNoData:
			f, err := ToFloat(v)
			if err != nil {
				return fmt.Errorf("input key %q: %w", k, err)
			}
			if k == KeyNoData {
				in.NoData = &f
			} else {
				in.CloudNoData = &f
			}
		default:
			if f, err := ToFloat(v); err == nil {
				in.Metadata[k] = f
				continue
			}
			switch x := v.(type) {
			case string:
				in.setAttribute(k, x)
			case bool:
				in.setAttribute(k, strconv.FormatBool(x))
			case float64:
				return fmt.Errorf("input metadata %q: %v is not a finite number", k, x)
			default:
				return fmt.Errorf("input metadata %q must be a scalar, got %T", k, v)
			}
		}
	}
	return nil
}

func (in *Input) setAttribute(key, value string) {
	if in.Attributes == nil {
		in.Attributes = map[string]string{}
	}
	in.Attributes[key] = value
}

// SetMeta records a metadata value given as text, as the command line does.
func (in *Input) SetMeta(key, value string) error {
	f, err := ToFloat(value)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	switch key {
	case KeyNoData:
		in.NoData = &f
	case KeyCloudNoData:
		in.CloudNoData = &f
	default:
		if in.Metadata == nil {
			in.Metadata = map[string]float64{}
		}
		in.Metadata[key] = f
	}
	return nil
}

// ToFloat converts a decoded scalar (JSON, YAML or command line text) to a
// finite float64.
func ToFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", f)
	}
	return f, nil
}
