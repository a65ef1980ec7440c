package diff

import (
	"golang.org/x/exp/slices"
)

// Apply mutates `target` to match the value the differences were computed against.
// Objects are changed in place. Arrays may be reallocated, so the returned root must be used.
// Assigned values are copied, the target never aliases the containers of the source.
//
// Array records built by `Diff` carry their element key. A record whose precondition no longer
// holds (element already moved, inserted or deleted) is skipped, which makes re-applying the same
// differences a no-op.
// Missing intermediate containers are created: `{}` for string segments, `[]` for int segments.
func Apply(target any, differences []Difference) (any, error) {
	for _, difference := range differences {
		var err error
		target, err = applyDifference(target, difference)
		if err != nil {
			return target, err
		}
	}
	return target, nil
}

// GetAndApplyChanges diffs `target` against `desired` and applies the result to `target`.
// When nothing differs the target is returned untouched.
func GetAndApplyChanges(target any, desired any, getKey GetKeyFunc) (any, error) {
	differences, err := Diff(target, desired, getKey)
	if err != nil {
		return target, err
	}
	if len(differences) == 0 {
		return target, nil
	}
	return Apply(target, differences)
}

func applyDifference(root any, difference Difference) (any, error) {
	switch v := difference.(type) {
	case *Set:
		if len(v.Path) == 0 {
			return Clone(v.Value), nil
		}
		parentPath, last := v.Path.Parent()
		return update(root, parentPath, parentPath, func(parent any) (any, error) {
			return setChild(parent, v.Path, last, Clone(v.Value))
		})
	case *Insert:
		parentPath, last := v.Path.Parent()
		index, ok := last.(int)
		if !ok {
			return root, pathError(v.Path, "insert requires an array index")
		}
		return update(root, parentPath, parentPath, func(parent any) (any, error) {
			return insertChild(parent, v, index)
		})
	case *Delete:
		if len(v.Path) == 0 {
			return root, pathError(v.Path, "cannot delete the root")
		}
		parentPath, last := v.Path.Parent()
		return update(root, parentPath, parentPath, func(parent any) (any, error) {
			return deleteChild(parent, v, last)
		})
	case *Move:
		return update(root, v.Path, v.Path, func(node any) (any, error) {
			return moveChild(node, v)
		})
	case *Nested:
		return update(root, v.Path, v.Path, func(node any) (any, error) {
			return Apply(node, v.Children)
		})
	default:
		return root, pathError(difference.DifferencePath(), "unknown difference %T", difference)
	}
}

// walks `path` from `node`, creating missing containers, and replaces the node at the end of
// the path with the result of `fn`
func update(node any, path Path, fullPath Path, fn func(node any) (any, error)) (any, error) {
	if len(path) == 0 {
		return fn(node)
	}
	switch segment := path[0].(type) {
	case string:
		var object map[string]any
		switch v := node.(type) {
		case nil:
			object = map[string]any{}
		case map[string]any:
			object = v
		default:
			return node, pathError(fullPath, "expected object at %q, found %T", segment, node)
		}
		child, err := update(object[segment], path[1:], fullPath, fn)
		if err != nil {
			return object, err
		}
		object[segment] = child
		return object, nil
	case int:
		var array []any
		switch v := node.(type) {
		case nil:
			array = []any{}
		case []any:
			array = v
		default:
			return node, pathError(fullPath, "expected array at %d, found %T", segment, node)
		}
		if segment < 0 {
			return array, pathError(fullPath, "negative index %d", segment)
		}
		array = pad(array, segment+1)
		child, err := update(array[segment], path[1:], fullPath, fn)
		if err != nil {
			return array, err
		}
		array[segment] = child
		return array, nil
	default:
		return node, pathError(fullPath, "invalid segment %T", path[0])
	}
}

func pad(array []any, n int) []any {
	for len(array) < n {
		array = append(array, nil)
	}
	return array
}

func setChild(parent any, path Path, last Segment, value any) (any, error) {
	switch segment := last.(type) {
	case string:
		var object map[string]any
		switch v := parent.(type) {
		case nil:
			object = map[string]any{}
		case map[string]any:
			object = v
		default:
			return parent, pathError(path, "expected object, found %T", parent)
		}
		object[segment] = value
		return object, nil
	case int:
		var array []any
		switch v := parent.(type) {
		case nil:
			array = []any{}
		case []any:
			array = v
		default:
			return parent, pathError(path, "expected array, found %T", parent)
		}
		if segment < 0 {
			return array, pathError(path, "negative index %d", segment)
		}
		array = pad(array, segment+1)
		array[segment] = value
		return array, nil
	default:
		return parent, pathError(path, "invalid segment %T", last)
	}
}

func insertChild(parent any, insert *Insert, index int) (any, error) {
	var array []any
	switch v := parent.(type) {
	case nil:
		array = []any{}
	case []any:
		array = v
	default:
		return parent, pathError(insert.Path, "expected array, found %T", parent)
	}
	if index < 0 {
		return array, pathError(insert.Path, "negative index %d", index)
	}
	if insert.keyOf != nil {
		for i, value := range array {
			if insert.keyOf(value, i) == insert.Key {
				// already inserted
				return array, nil
			}
		}
	}
	array = pad(array, index)
	return slices.Insert(array, index, Clone(insert.Value)), nil
}

func deleteChild(parent any, del *Delete, last Segment) (any, error) {
	switch segment := last.(type) {
	case string:
		switch v := parent.(type) {
		case nil:
			return parent, nil
		case map[string]any:
			delete(v, segment)
			return v, nil
		default:
			return parent, pathError(del.Path, "expected object, found %T", parent)
		}
	case int:
		switch v := parent.(type) {
		case nil:
			return parent, nil
		case []any:
			if segment < 0 || len(v) <= segment {
				return v, nil
			}
			if del.keyOf != nil && del.keyOf(v[segment], segment) != del.Key {
				// already deleted
				return v, nil
			}
			return slices.Delete(v, segment, segment+1), nil
		default:
			return parent, pathError(del.Path, "expected array, found %T", parent)
		}
	default:
		return parent, pathError(del.Path, "invalid segment %T", last)
	}
}

func moveChild(node any, move *Move) (any, error) {
	array, ok := node.([]any)
	if !ok {
		if node == nil {
			return node, nil
		}
		return node, pathError(move.Path, "expected array, found %T", node)
	}
	if move.From < 0 || len(array) <= move.From || move.To < 0 || len(array) <= move.To {
		return array, pathError(move.Path, "move %d -> %d out of range [0, %d)", move.From, move.To, len(array))
	}
	if move.keyOf != nil && move.keyOf(array[move.From], move.From) != move.Key {
		// already moved
		return array, nil
	}
	if move.From == move.To {
		return array, nil
	}
	moved := array[move.From]
	array = slices.Delete(array, move.From, move.From+1)
	return slices.Insert(array, move.To, moved), nil
}
