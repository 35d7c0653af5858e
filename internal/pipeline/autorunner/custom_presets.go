package autorunner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CustomPresetsEnvVar names the file RunNamedPreset resolves named presets
// against, letting an operator add a new named step list (e.g. a one-off
// partial re-render recipe) without a code change or redeploy.
const CustomPresetsEnvVar = "PIPELINE_CUSTOM_PRESETS_PATH"

// LoadCustomPresets parses a YAML document mapping preset name to step list:
//
//	thumbnail_only: [load_template, generate_pngs, render]
//	retake_patch:   [apply_retake_cuts, concat, render]
func LoadCustomPresets(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("autorunner: read custom presets file: %w", err)
	}
	var presets map[string][]string
	if err := yaml.Unmarshal(raw, &presets); err != nil {
		return nil, fmt.Errorf("autorunner: parse custom presets file: %w", err)
	}
	return presets, nil
}

// LoadCustomPresetsFromEnv loads the file named by CustomPresetsEnvVar, if
// set. A missing env var is not an error: it yields a nil map, and
// RunNamedPreset then rejects every preset name.
func LoadCustomPresetsFromEnv() (map[string][]string, error) {
	path := os.Getenv(CustomPresetsEnvVar)
	if path == "" {
		return nil, nil
	}
	return LoadCustomPresets(path)
}
