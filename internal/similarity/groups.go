package similarity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadGroups reads a key -> [forms] document. YAML is used for .yaml/.yml files,
// JSON otherwise. A missing file yields empty groups.
func LoadGroups(path string) (Groups, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Groups{}, nil
		}
		return nil, fmt.Errorf("failed to read synonyms: %w", err)
	}

	groups := Groups{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &groups)
	default:
		err = json.Unmarshal(data, &groups)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse synonyms %s: %w", path, err)
	}
	return groups, nil
}
