package model

// Migration is a versioned schema change. A migration without a Down script
// is irreversible.
type Migration struct {
	Version int64  `json:"version" yaml:"version"`
	Name    string `json:"name" yaml:"name"`
	Up      string `json:"-" yaml:"up"`
	Down    string `json:"-" yaml:"down"`
}

func (m Migration) Reversible() bool {
	return m.Down != ""
}
