package httpsdk

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transform operations
const (
	OpSet    = "set"
	OpDelete = "delete"
	OpRename = "rename"
)

// Transform is one declarative edit of a JSON document, addressed by
// sjson/gjson path syntax.
type Transform struct {
	Op    string `json:"op" validate:"required,oneof=set delete rename"`
	Path  string `json:"path" validate:"required"`
	To    string `json:"to,omitempty"`
	Value any    `json:"value,omitempty"`
}

// ApplyTransforms applies ops to doc in order. Renames and deletes of
// missing paths are no-ops.
func ApplyTransforms(doc []byte, ops []Transform) ([]byte, error) {
	var err error
	for i, t := range ops {
		switch t.Op {
		case OpSet:
			doc, err = sjson.SetBytes(doc, t.Path, t.Value)
		case OpDelete:
			doc, err = sjson.DeleteBytes(doc, t.Path)
		case OpRename:
			v := gjson.GetBytes(doc, t.Path)
			if !v.Exists() {
				continue
			}
			doc, err = sjson.SetRawBytes(doc, t.To, []byte(v.Raw))
			if err == nil {
				doc, err = sjson.DeleteBytes(doc, t.Path)
			}
		default:
			err = fmt.Errorf("unknown op %q", t.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("transform %d (%s %s): %w", i, t.Op, t.Path, err)
		}
	}
	return doc, nil
}

func transformProblems(field string, ops []Transform) []string {
	var problems []string
	for i, t := range ops {
		if t.Op == OpRename && t.To == "" {
			problems = append(problems, fmt.Sprintf("%s[%d].to is required for rename", field, i))
		}
	}
	return problems
}
