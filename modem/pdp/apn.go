package pdp

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed apns.yaml
var defaultAPNs []byte

// APNEntry lists the credentials to try, in order, for SIMs whose IMSI
// starts with one of the prefixes (MCC followed by MNC).
type APNEntry struct {
	Operator    string        `yaml:"operator"`
	IMSI        []string      `yaml:"imsi"`
	Credentials []Credentials `yaml:"credentials"`
}

// APNTable maps IMSI prefixes to APN candidates.
type APNTable []APNEntry

// LoadAPNs reads a YAML APN table.
func LoadAPNs(r io.Reader) (APNTable, error) {
	var t APNTable
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode APN table: %w", err)
	}
	for i, e := range t {
		if len(e.IMSI) == 0 || len(e.Credentials) == 0 {
			return nil, fmt.Errorf("APN table entry %d (%s): needs imsi and credentials", i, e.Operator)
		}
	}
	return t, nil
}

// DefaultAPNs returns the built-in table.
func DefaultAPNs() APNTable {
	t, err := LoadAPNs(strings.NewReader(string(defaultAPNs)))
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the candidates of the entry with the longest IMSI prefix
// matching imsi, or nil.
func (t APNTable) Lookup(imsi string) []Credentials {
	var (
		best []Credentials
		n    int
	)
	for _, e := range t {
		for _, p := range e.IMSI {
			if len(p) > n && strings.HasPrefix(imsi, p) {
				best, n = e.Credentials, len(p)
			}
		}
	}
	return best
}
