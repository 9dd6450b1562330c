package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFile_MissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Processing.BlockSize != defaultBlockSize {
		t.Errorf("block_size: got %d, want %d", cfg.Processing.BlockSize, defaultBlockSize)
	}
	if cfg.Processing.EffectiveWorkers() < 1 {
		t.Errorf("effective workers: got %d", cfg.Processing.EffectiveWorkers())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeFile(t, "settings.json", `{"processing": {"workers": 3, "block_size": 64}, "raster": {"driver": "magick"}}`)
	t.Setenv("COMPOSITOR_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.Workers != 3 || cfg.Processing.EffectiveWorkers() != 3 {
		t.Errorf("workers: got %d", cfg.Processing.Workers)
	}
	if cfg.Processing.BlockSize != 64 {
		t.Errorf("block_size: got %d", cfg.Processing.BlockSize)
	}
	if cfg.Raster.Driver != "magick" {
		t.Errorf("raster driver: got %q", cfg.Raster.Driver)
	}
	// Untouched sections keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level: got %q", cfg.Logging.Level)
	}
}

func TestLoadControl_JSON(t *testing.T) {
	path := writeFile(t, "darkest.json", `{
		"output_file": "darkest_test.tif",
		"source_trace": "darkest_source_test.tif",
		"quality_output": "darkest_quality_test.f32",
		"compositors": [
			{"class": "darkest", "scale_min": 0, "scale_max": 32000.0},
			{"class": "percentile", "quality_percentile": 50}
		],
		"inputs": [
			{"filename": "a.tif", "cloud_file": "a_cld.tif", "acquisition_date": 1377000216.0},
			{"filename": "b.tif", "nodata": 255, "acquisition_date": "1377001011"}
		]
	}`)

	ctrl, err := LoadControl(path)
	if err != nil {
		t.Fatalf("LoadControl: %v", err)
	}

	want := &Control{
		OutputFile:    "darkest_test.tif",
		SourceTrace:   "darkest_source_test.tif",
		QualityOutput: "darkest_quality_test.f32",
		Compositors: []Stage{
			{Class: "darkest", Params: map[string]any{"scale_min": 0.0, "scale_max": 32000.0}},
			{Class: "percentile", Params: map[string]any{"quality_percentile": 50.0}},
		},
		Inputs: []Input{
			{Filename: "a.tif", CloudFile: "a_cld.tif", Metadata: map[string]float64{"acquisition_date": 1377000216}},
			{Filename: "b.tif", NoData: ptr(255), Metadata: map[string]float64{"acquisition_date": 1377001011}},
		},
	}
	if diff := cmp.Diff(want, ctrl); diff != "" {
		t.Errorf("control mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadControl_YAML(t *testing.T) {
	path := writeFile(t, "newest.yaml", `
output_file: newest_test.tif
block_size: 32
compositors:
  - class: scene_measure
    scene_measure: acquisition_date
inputs:
  - filename: one.tif
    acquisition_date: 1377000216
  - filename: two.tif
    acquisition_date: 1377001011
`)

	ctrl, err := LoadControl(path)
	if err != nil {
		t.Fatalf("LoadControl: %v", err)
	}
	if ctrl.BlockSize != 32 {
		t.Errorf("block_size: got %d", ctrl.BlockSize)
	}
	if got := ctrl.Compositors[0].Params["scene_measure"]; got != "acquisition_date" {
		t.Errorf("scene_measure param: got %v", got)
	}
	if got := ctrl.Inputs[1].Metadata["acquisition_date"]; got != 1377001011 {
		t.Errorf("acquisition_date: got %v", got)
	}
}

func TestLoadControl_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no output", `{"compositors": [{"class": "greenest"}], "inputs": [{"filename": "a.tif"}]}`},
		{"no inputs", `{"output_file": "o.tif", "compositors": [{"class": "greenest"}], "inputs": []}`},
		{"no stages", `{"output_file": "o.tif", "compositors": [], "inputs": [{"filename": "a.tif"}]}`},
		{"no filename", `{"output_file": "o.tif", "compositors": [{"class": "greenest"}], "inputs": [{"cloud_file": "c.tif"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadControl(writeFile(t, "bad.json", tc.body))
			if !errors.Is(err, ErrInvalidControl) {
				t.Fatalf("expected ErrInvalidControl, got %v", err)
			}
		})
	}
}

func TestLoadControl_RejectsMalformedEntries(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown key", `{"output_file": "o.tif", "output": "x", "compositors": [{"class": "greenest"}], "inputs": [{"filename": "a.tif"}]}`},
		{"classless stage", `{"output_file": "o.tif", "compositors": [{"scale_min": 1}], "inputs": [{"filename": "a.tif"}]}`},
		{"list metadata", `{"output_file": "o.tif", "compositors": [{"class": "greenest"}], "inputs": [{"filename": "a.tif", "bands": [1, 2]}]}`},
		{"object metadata", `{"output_file": "o.tif", "compositors": [{"class": "greenest"}], "inputs": [{"filename": "a.tif", "sun": {"az": 1}}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadControl(writeFile(t, "bad.json", tc.body)); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestLoadControl_KeepsTextAttributes(t *testing.T) {
	body := `{"output_file": "o.tif", "compositors": [{"class": "greenest"}],
		"inputs": [{"filename": "a.tif", "scene_id": "LC82150642013280LGN00", "night": false, "acquisition_date": "1377000216"}]}`
	ctrl, err := LoadControl(writeFile(t, "attrs.json", body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	in := ctrl.Inputs[0]
	wantMeta := map[string]float64{"acquisition_date": 1377000216}
	if diff := cmp.Diff(wantMeta, in.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	wantAttrs := map[string]string{"scene_id": "LC82150642013280LGN00", "night": "false"}
	if diff := cmp.Diff(wantAttrs, in.Attributes); diff != "" {
		t.Fatalf("attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestInputSetMeta(t *testing.T) {
	var in Input
	if err := in.SetMeta("acquisition_date", "1377000104"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := in.SetMeta("nodata", "0"); err != nil {
		t.Fatalf("SetMeta nodata: %v", err)
	}
	if in.Metadata["acquisition_date"] != 1377000104 {
		t.Errorf("metadata: got %v", in.Metadata)
	}
	if in.NoData == nil || *in.NoData != 0 {
		t.Errorf("nodata: got %v", in.NoData)
	}
	if _, ok := in.Metadata["nodata"]; ok {
		t.Errorf("nodata must not become metadata")
	}
	if err := in.SetMeta("acquisition_date", "yesterday"); err == nil {
		t.Errorf("expected error for non-numeric metadata")
	}
}

func ptr(v float64) *float64 { return &v }
