package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// readManifests decodes every YAML document in path ("-" reads stdin).
func readManifests[T any](path string, stdin io.Reader) ([]*T, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", err)
		}
		defer f.Close()
		r = f
	}

	var out []*T
	dec := yaml.NewDecoder(r)
	for i := 0; ; i++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%s: document %d: %w", path, i, err)
		}
		if isEmptyDocument(&node) {
			continue
		}
		item := new(T)
		if err := node.Decode(item); err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i, err)
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no manifests found", path)
	}
	return out, nil
}

func isEmptyDocument(node *yaml.Node) bool {
	return node.Kind == yaml.DocumentNode &&
		(len(node.Content) == 0 || node.Content[0].Tag == "!!null")
}
