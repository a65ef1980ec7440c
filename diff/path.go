package diff

import (
	"fmt"
	"strconv"
	"strings"
)

// a path segment is a `string` object key or an `int` array index
type Segment = any

type Path []Segment

func NewPath(segments ...Segment) Path {
	return Path(segments)
}

func (self Path) Append(segment Segment) Path {
	path := make(Path, len(self), len(self)+1)
	copy(path, self)
	return append(path, segment)
}

func (self Path) Concat(other Path) Path {
	path := make(Path, 0, len(self)+len(other))
	path = append(path, self...)
	return append(path, other...)
}

func (self Path) Parent() (Path, Segment) {
	if len(self) == 0 {
		return nil, nil
	}
	return self[0 : len(self)-1], self[len(self)-1]
}

// json pointer form, e.g. `/settings/devices/0`
func (self Path) String() string {
	var b strings.Builder
	for _, segment := range self {
		b.WriteByte('/')
		switch v := segment.(type) {
		case string:
			b.WriteString(escapePointer(v))
		case int:
			b.WriteString(strconv.Itoa(v))
		default:
			b.WriteString(fmt.Sprintf("%v", v))
		}
	}
	return b.String()
}

func escapePointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}

type PathError struct {
	Path    Path
	Message string
}

func (self *PathError) Error() string {
	return fmt.Sprintf("diff: path %s: %s", self.Path, self.Message)
}

func pathError(path Path, format string, a ...any) *PathError {
	return &PathError{
		Path:    path,
		Message: fmt.Sprintf(format, a...),
	}
}
