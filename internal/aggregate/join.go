package aggregate

import "fmt"

// Cardinality is the declared shape of a keyed join.
type Cardinality string

const (
	OneToOne  Cardinality = "1:1"
	OneToMany Cardinality = "1:N"
)

// CardinalityError reports a join whose right side violated its declared
// cardinality. The aggregation batch fails; no partial rows are written.
type CardinalityError struct {
	Join    string
	Key     string
	Matches int
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("join %s: key %q has %d right-side matches, declared %s",
		e.Join, e.Key, e.Matches, OneToOne)
}

// joinIndex builds the right-side lookup for a keyed join, enforcing the
// declared cardinality. A one-to-one join with a duplicated right key fails
// instead of silently fanning out.
func joinIndex[R any](join string, card Cardinality, rows []R, key func(R) string) (map[string][]R, error) {
	index := make(map[string][]R)
	for _, row := range rows {
		k := key(row)
		index[k] = append(index[k], row)
		if card == OneToOne && len(index[k]) > 1 {
			return nil, &CardinalityError{Join: join, Key: k, Matches: len(index[k])}
		}
	}
	return index, nil
}
