package assembly

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zpiroux/fnchain/entity"
)

// Assemble builds the module source handed to the sandbox: the included library code in the
// given order, one constant declaration per variable sorted by name, then the function code.
// The output is deterministic, so equal inputs hash to the same worker.
func Assemble(code string, variables map[string]any, includes []string) ([]byte, error) {

	var buf bytes.Buffer
	for _, lib := range includes {
		buf.WriteString(lib)
		buf.WriteString("\n")
	}

	names := make([]string, 0, len(variables))
	for name := range variables {
		if !entity.IsIdentifier(name) {
			return nil, fmt.Errorf("variable name %q is not a valid identifier", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, err := json.Marshal(variables[name])
		if err != nil {
			return nil, fmt.Errorf("variable %s could not be encoded: %w", name, err)
		}
		fmt.Fprintf(&buf, "const %s = %s;\n", name, value)
	}

	buf.WriteString(code)
	return buf.Bytes(), nil
}
