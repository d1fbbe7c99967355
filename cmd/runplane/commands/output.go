package commands

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// printObject writes v as YAML, or as indented JSON with --json.
func printObject(w io.Writer, v interface{}) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
