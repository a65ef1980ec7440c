package diff

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// RFC 6902 rendering of a difference list.
// Key preconditions and path creation are not expressible in a json patch,
// so the patch is only valid against the exact value the differences were computed from.

type jsonPatchOp struct {
	Op    string `json:"op"`
	From  string `json:"from,omitempty"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

func ToJSONPatch(differences []Difference) ([]byte, error) {
	ops, err := appendJSONPatchOps(nil, Path{}, differences)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ops)
}

func appendJSONPatchOps(ops []jsonPatchOp, prefix Path, differences []Difference) ([]jsonPatchOp, error) {
	for _, difference := range differences {
		switch v := difference.(type) {
		case *Set:
			path := prefix.Concat(v.Path)
			op := "add"
			if _, last := path.Parent(); last != nil {
				if _, ok := last.(int); ok {
					op = "replace"
				}
			} else {
				op = "replace"
			}
			ops = append(ops, jsonPatchOp{Op: op, Path: path.String(), Value: jsonValue(v.Value)})
		case *Insert:
			ops = append(ops, jsonPatchOp{Op: "add", Path: prefix.Concat(v.Path).String(), Value: jsonValue(v.Value)})
		case *Delete:
			ops = append(ops, jsonPatchOp{Op: "remove", Path: prefix.Concat(v.Path).String()})
		case *Move:
			path := prefix.Concat(v.Path)
			ops = append(ops, jsonPatchOp{
				Op:   "move",
				From: path.Append(v.From).String(),
				Path: path.Append(v.To).String(),
			})
		case *Nested:
			var err error
			ops, err = appendJSONPatchOps(ops, prefix.Concat(v.Path), v.Children)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("diff: cannot render %T as json patch", difference)
		}
	}
	return ops, nil
}

// `omitempty` would drop a legitimate null value
func jsonValue(value any) any {
	if value == nil {
		return json.RawMessage("null")
	}
	return value
}

// ApplyJSON applies the differences to a json document
func ApplyJSON(doc []byte, differences []Difference) ([]byte, error) {
	patchBytes, err := ToJSONPatch(differences)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return nil, err
	}
	return patch.Apply(doc)
}
