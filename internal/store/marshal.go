package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/custody/internal/ir"
)

// marshalFields converts an event payload to canonical JSON TEXT.
func marshalFields(fields ir.Object) (string, error) {
	if fields == nil {
		fields = ir.Object{}
	}
	data, err := ir.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

func unmarshalFields(text string) (ir.Object, error) {
	var fields ir.Object
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if fields == nil {
		fields = ir.Object{}
	}
	return fields, nil
}
