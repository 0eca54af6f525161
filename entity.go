package twinstore

import "github.com/pkg/errors"

type Kind string

const (
	KindUser       Kind = "user"
	KindSettings   Kind = "settings"
	KindContent    Kind = "content"
	KindTestResult Kind = "test-result"
)

// SystemSettingsKey is the key the application keeps its one settings bundle under.
const SystemSettingsKey = "system_settings"

func (k Kind) String() string {
	return string(k)
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := mappers[k]; !ok {
		return "", errors.Wrapf(ErrInvalidEntity, "unknown kind %q", s)
	}
	return k, nil
}

// Entity is a logical record addressed by (Kind, Key).
type Entity struct {
	Kind   Kind
	Key    string
	Fields M
}

func NewEntity(kind Kind, key string, fields M) Entity {
	return Entity{Kind: kind, Key: key, Fields: fields}
}

// Path validates the entity against its kind and derives its backend path.
func (e Entity) Path() (Path, error) {
	m, err := mapperFor(e.Kind)
	if err != nil {
		return "", err
	}

	if err := m.validate(e.Key, e.Fields); err != nil {
		return "", err
	}

	return m.path(e.Key)
}

func (e Entity) Validate() error {
	_, err := e.Path()
	return err
}
