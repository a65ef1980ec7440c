package diff

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"golang.org/x/exp/slices"
)

// Diff compares plain values: `map[string]any` objects, `[]any` arrays and scalars.
// Use `ToPlain` to bring typed values into this form.

var ErrDuplicateKey = errors.New("diff: duplicate array key")
var ErrInvalidKey = errors.New("diff: array key is not comparable")

// returns a stable identity for an array element, independent of its position
type GetKeyFunc func(value any, index int) any

// KeyByField keys object elements by `field`.
// Elements without the field, and scalar elements, are keyed by their index:
// scalar arrays may repeat a value, and keys must be unique, so a reordered
// scalar array diffs as sets of the changed slots.
func KeyByField(field string) GetKeyFunc {
	return func(value any, index int) any {
		if object, ok := value.(map[string]any); ok {
			if key, ok := object[field]; ok && key != nil && reflect.TypeOf(key).Comparable() {
				return key
			}
		}
		return index
	}
}

type Difference interface {
	DifferencePath() Path
	isDifference()
}

// assign a value at path
type Set struct {
	Path  Path
	Value any
}

// splice a new element into an array at the last path segment
type Insert struct {
	Path  Path
	Key   any
	Value any
	keyOf GetKeyFunc
}

// remove an object key, or splice out an array element
type Delete struct {
	Path  Path
	Key   any
	keyOf GetKeyFunc
}

// relocate an element of the array at path
type Move struct {
	Path  Path
	Key   any
	From  int
	To    int
	keyOf GetKeyFunc
}

// changes to the child at path. Child paths are relative to the child.
type Nested struct {
	Path     Path
	Children []Difference
}

func (self *Set) DifferencePath() Path    { return self.Path }
func (self *Insert) DifferencePath() Path { return self.Path }
func (self *Delete) DifferencePath() Path { return self.Path }
func (self *Move) DifferencePath() Path   { return self.Path }
func (self *Nested) DifferencePath() Path { return self.Path }

func (self *Set) isDifference()    {}
func (self *Insert) isDifference() {}
func (self *Delete) isDifference() {}
func (self *Move) isDifference()   {}
func (self *Nested) isDifference() {}

func (self *Set) String() string {
	return fmt.Sprintf("set %s = %v", self.Path, self.Value)
}

func (self *Insert) String() string {
	return fmt.Sprintf("insert %s (%v) = %v", self.Path, self.Key, self.Value)
}

func (self *Delete) String() string {
	if self.keyOf != nil {
		return fmt.Sprintf("delete %s (%v)", self.Path, self.Key)
	}
	return fmt.Sprintf("delete %s", self.Path)
}

func (self *Move) String() string {
	return fmt.Sprintf("move %s (%v) %d -> %d", self.Path, self.Key, self.From, self.To)
}

func (self *Nested) String() string {
	return fmt.Sprintf("nested %s [%d]", self.Path, len(self.Children))
}

// Diff returns the differences that turn `a` into `b`.
// A root level type change is a single `Set` with an empty path.
func Diff(a any, b any, getKey GetKeyFunc) ([]Difference, error) {
	differences, replace, err := diffValues(a, b, getKey)
	if err != nil {
		return nil, err
	}
	if replace {
		return []Difference{&Set{Path: Path{}, Value: b}}, nil
	}
	return differences, nil
}

// `replace` is true when `b` must replace `a` as a whole
func diffValues(a any, b any, getKey GetKeyFunc) (differences []Difference, replace bool, err error) {
	switch aValue := a.(type) {
	case map[string]any:
		bValue, ok := b.(map[string]any)
		if !ok {
			return nil, true, nil
		}
		differences, err = diffObjects(aValue, bValue, getKey)
		return
	case []any:
		bValue, ok := b.([]any)
		if !ok {
			return nil, true, nil
		}
		differences, err = diffArrays(aValue, bValue, getKey)
		return
	default:
		if !scalarEqual(a, b) {
			return nil, true, nil
		}
		return nil, false, nil
	}
}

func scalarEqual(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	switch aValue := a.(type) {
	case time.Time:
		return aValue.Equal(b.(time.Time))
	case []byte:
		return bytes.Equal(aValue, b.([]byte))
	}
	if reflect.TypeOf(a).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func diffObjects(a map[string]any, b map[string]any, getKey GetKeyFunc) ([]Difference, error) {
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		keys = append(keys, key)
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	differences := []Difference{}
	for _, key := range keys {
		aValue, inA := a[key]
		bValue, inB := b[key]
		switch {
		case inA && inB:
			children, replace, err := diffValues(aValue, bValue, getKey)
			if err != nil {
				return nil, err
			}
			if replace {
				differences = append(differences, &Set{Path: Path{key}, Value: bValue})
			} else if 0 < len(children) {
				differences = append(differences, &Nested{Path: Path{key}, Children: children})
			}
		case inA:
			differences = append(differences, &Delete{Path: Path{key}})
		default:
			differences = append(differences, &Set{Path: Path{key}, Value: bValue})
		}
	}
	return differences, nil
}

func arrayKeys(array []any, getKey GetKeyFunc) ([]any, map[any]int, error) {
	keys := make([]any, len(array))
	keyIndexes := make(map[any]int, len(array))
	for i, value := range array {
		key := getKey(value, i)
		if key != nil && !reflect.TypeOf(key).Comparable() {
			return nil, nil, fmt.Errorf("%w: %T at %d", ErrInvalidKey, key, i)
		}
		if j, ok := keyIndexes[key]; ok {
			return nil, nil, fmt.Errorf("%w: %v at %d and %d", ErrDuplicateKey, key, j, i)
		}
		keys[i] = key
		keyIndexes[key] = i
	}
	return keys, keyIndexes, nil
}

// Deletes are emitted first, in descending index order.
// Moves and inserts follow in ascending order against the partially updated index space.
// Element changes are emitted last, at the final index of each element.
func diffArrays(a []any, b []any, getKey GetKeyFunc) ([]Difference, error) {
	aKeys, aKeyIndexes, err := arrayKeys(a, getKey)
	if err != nil {
		return nil, err
	}
	bKeys, bKeyIndexes, err := arrayKeys(b, getKey)
	if err != nil {
		return nil, err
	}

	moves := []Difference{}
	changes := []Difference{}

	keys := slices.Clone(aKeys)
	for i := len(keys) - 1; 0 <= i; i -= 1 {
		key := keys[i]
		if _, ok := bKeyIndexes[key]; !ok {
			moves = append(moves, &Delete{Path: Path{i}, Key: key, keyOf: getKey})
			keys = slices.Delete(keys, i, i+1)
		}
	}

	itemChanges := func(i int, key any) error {
		children, replace, err := diffValues(a[aKeyIndexes[key]], b[i], getKey)
		if err != nil {
			return err
		}
		if replace {
			changes = append(changes, &Set{Path: Path{i}, Value: b[i]})
		} else if 0 < len(children) {
			changes = append(changes, &Nested{Path: Path{i}, Children: children})
		}
		return nil
	}

	for i, key := range bKeys {
		if i < len(keys) && keys[i] == key {
			if err := itemChanges(i, key); err != nil {
				return nil, err
			}
			continue
		}

		j := -1
		if i+1 < len(keys) {
			if k := slices.Index(keys[i+1:], key); 0 <= k {
				j = i + 1 + k
			}
		}
		if 0 <= j {
			if err := itemChanges(i, key); err != nil {
				return nil, err
			}
			moves = append(moves, &Move{Path: Path{}, Key: key, From: j, To: i, keyOf: getKey})
			keys = slices.Delete(keys, j, j+1)
			keys = slices.Insert(keys, i, key)
		} else {
			moves = append(moves, &Insert{Path: Path{i}, Key: key, Value: b[i], keyOf: getKey})
			keys = slices.Insert(keys, i, key)
		}
	}

	return append(moves, changes...), nil
}
