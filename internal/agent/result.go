package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const resultFileName = "result.json"

// ResultStep is one recorded step of an exploration, in the shape the agent
// writes it: a name, free-text instructions, and the screenshot paths taken
// during the step, relative to the output directory.
type ResultStep struct {
	Name         string   `json:"name"`
	Instructions string   `json:"instructions,omitempty"`
	ImagePaths   []string `json:"image_paths,omitempty"`
}

// Result is the structured artifact the agent leaves at
// {output_dir}/result.json.
type Result struct {
	ProcedureName string       `json:"procedure_name,omitempty"`
	Description   string       `json:"description,omitempty"`
	Steps         []ResultStep `json:"steps"`
	Summary       string       `json:"summary,omitempty"`
}

// EnsureResult loads the agent's result file, writing a fallback when the
// agent produced none. Every exploration therefore yields at least one step.
func EnsureResult(dir, finalText string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, resultFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return writeFallback(dir, finalText)
		}
		return nil, fmt.Errorf("read result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return writeFallback(dir, finalText)
	}
	if len(res.Steps) == 0 {
		return writeFallback(dir, finalText)
	}
	return &res, nil
}

func writeFallback(dir, finalText string) (*Result, error) {
	instructions := strings.TrimSpace(finalText)
	if instructions == "" {
		instructions = "Agent did not produce structured output"
	}
	res := &Result{
		Summary: "Exploration completed with fallback output",
		Steps: []ResultStep{{
			Name:         "Initial observation",
			Instructions: instructions,
		}},
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, resultFileName), data, 0o644); err != nil {
		return nil, fmt.Errorf("write fallback result: %w", err)
	}
	return res, nil
}
