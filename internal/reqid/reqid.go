// Package reqid generates short correlation ids for a single engine call,
// attached to the underlying PostgreSQL connection as application_name so
// slow query logs and pg_stat_activity rows can be traced back to the
// getChanges/applyChanges invocation that produced them.
package reqid

import (
	"crypto/rand"
	"io"
	"regexp"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const idLength = 22

var idRegex = regexp.MustCompile(`^[123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz]{22}$`)

// New returns a new random correlation id.
func New() string {
	return newFromReader(rand.Reader)
}

func newFromReader(r io.Reader) string {
	// One byte more than 128 bits, to always get the full base58 length.
	data := make([]byte, 17)
	_, err := io.ReadFull(r, data)
	if err != nil {
		panic(err)
	}
	res := base58.Encode(data)
	if len(res) < idLength {
		return strings.Repeat("1", idLength-len(res)) + res
	}
	return res[:idLength]
}

// Valid reports whether id looks like a correlation id New produces.
func Valid(id string) bool {
	return idRegex.MatchString(id)
}
