package yaml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BDNK1/chatflow/runtime"
	goyaml "gopkg.in/yaml.v3"
)

// FlowLoader loads flow graphs from YAML or JSON documents. JSON is what the
// flow editor exports; YAML is easier to write by hand.
type FlowLoader struct{}

var _ runtime.FlowLoader = (*FlowLoader)(nil)

func NewFlowLoader() *FlowLoader {
	return &FlowLoader{}
}

func (l *FlowLoader) Extensions() []string {
	return []string{".yaml", ".yml", ".json"}
}

func (l *FlowLoader) Load(filePath string) (runtime.Flow, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return runtime.Flow{}, fmt.Errorf("error reading flow file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(filePath), ".json") {
		return ParseJSON(raw)
	}
	return Parse(raw)
}

// Parse decodes a YAML flow document.
func Parse(raw []byte) (runtime.Flow, error) {
	// yaml.v3 decodes nested mappings as map[string]any, but node data is
	// routed through JSON so it has the same shape regardless of source.
	var doc any
	if err := goyaml.Unmarshal(raw, &doc); err != nil {
		return runtime.Flow{}, fmt.Errorf("error unmarshalling YAML: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return runtime.Flow{}, fmt.Errorf("error converting YAML: %w", err)
	}
	return ParseJSON(asJSON)
}

// ParseJSON decodes a JSON flow document.
func ParseJSON(raw []byte) (runtime.Flow, error) {
	var flow runtime.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return runtime.Flow{}, fmt.Errorf("error unmarshalling JSON: %w", err)
	}
	if len(flow.Nodes) == 0 {
		return runtime.Flow{}, fmt.Errorf("flow %q has no nodes", flow.ID)
	}
	return flow, nil
}
