package twinstore

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const Separator = "/"

// Path addresses a value in either backend, e.g. users/u1 or
// test_results/u1/quiz7_1700000000000.
type Path string

func NewPath(segments ...string) (Path, error) {
	for _, s := range segments {
		if err := validSegment(s); err != nil {
			return "", err
		}
	}

	return Path(strings.Join(segments, Separator)), nil
}

func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, Separator)
	if s == "" {
		return "", errors.Wrap(ErrInvalidPath, "empty path")
	}

	return NewPath(strings.Split(s, Separator)...)
}

func (p Path) String() string {
	return string(p)
}

func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), Separator)
}

// Collection is everything but the last segment.
func (p Path) Collection() Path {
	i := strings.LastIndex(string(p), Separator)
	if i < 0 {
		return ""
	}
	return p[:i]
}

// ID is the last segment.
func (p Path) ID() string {
	i := strings.LastIndex(string(p), Separator)
	if i < 0 {
		return string(p)
	}
	return string(p[i+1:])
}

func (p Path) Child(segment string) Path {
	if p == "" {
		return Path(segment)
	}
	return p + Separator + Path(segment)
}

func (p Path) Root() string {
	i := strings.Index(string(p), Separator)
	if i < 0 {
		return string(p)
	}
	return string(p[:i])
}

// Contains reports whether other is p itself or lies underneath it.
func (p Path) Contains(other Path) bool {
	if p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+Separator)
}

// Related reports whether a change at other can alter the value at p.
func (p Path) Related(other Path) bool {
	return p.Contains(other) || other.Contains(p)
}

// Less orders paths segment by segment so every subtree stays contiguous in an
// ordered index. Numeric segments sort numerically and before any other segment.
func (p Path) Less(other Path) bool {
	a, b := p.Segments(), other.Segments()
	l := len(a)
	if len(b) < l {
		l = len(b)
	}

	for i := 0; i < l; i++ {
		if a[i] == b[i] {
			continue
		}

		x, xok := numericSegment(a[i])
		y, yok := numericSegment(b[i])
		switch {
		case xok && yok:
			if x != y {
				return x < y
			}
			return a[i] < b[i]
		case xok:
			return true
		case yok:
			return false
		}

		return a[i] < b[i]
	}

	return len(a) < len(b)
}

func validSegment(s string) error {
	switch {
	case s == "":
		return errors.Wrap(ErrInvalidPath, "empty segment")
	case s == "." || s == "..":
		return errors.Wrapf(ErrInvalidPath, "segment %q is reserved", s)
	case strings.Contains(s, Separator):
		return errors.Wrapf(ErrInvalidPath, "segment %q contains %s", s, Separator)
	}
	return nil
}

func numericSegment(s string) (int, bool) {
	if s == "" || (s[0] == '0' && len(s) > 1) || s[0] == '-' || s[0] == '+' {
		return 0, false
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}

	return n, true
}
