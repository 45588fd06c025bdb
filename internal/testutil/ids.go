package testutil

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/custody/internal/ir"
)

// Addr returns a deterministic address whose last eight bytes are i.
// Addr(0) is the zero address.
func Addr(i uint64) common.Address {
	var a common.Address
	binary.BigEndian.PutUint64(a[common.AddressLength-8:], i)
	return a
}

// AuthID returns a deterministic authorization id for a test label.
func AuthID(label string) common.Hash {
	return common.BytesToHash([]byte(label))
}

// Units parses a whole-unit amount at 18 decimals and panics on error.
func Units(s string) *uint256.Int {
	return ir.MustParseUnits(s, ir.DefaultDecimals)
}

// SequentialIDs hands out "<prefix>-1", "<prefix>-2", ... as operation ids.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "op".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "op"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
