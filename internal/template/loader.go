package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDir registers every definition found in the directory's *.json
// files. Each file holds a JSON array of definitions; files are applied
// in name order, so a later file wins on duplicate keys. Returns the
// number of definitions registered.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	total := 0
	for _, name := range files {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read template file %s: %w", path, err)
		}

		var defs []Definition
		if err := json.Unmarshal(raw, &defs); err != nil {
			return total, fmt.Errorf("parse template file %s: %w", path, err)
		}

		for i, def := range defs {
			if err := r.Register(def); err != nil {
				return total, fmt.Errorf("%s entry %d: %w", path, i, err)
			}
			total++
		}
	}
	return total, nil
}
