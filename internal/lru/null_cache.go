package lru

// NullCache keeps nothing. Stores that load every value eagerly use it.
type NullCache struct{}

var _ Cache = NullCache{}

func (NullCache) Add(string, []byte) bool { return false }

func (NullCache) Get(string) ([]byte, bool) { return nil, false }

func (NullCache) Remove(string) {}

func (NullCache) Purge() {}
