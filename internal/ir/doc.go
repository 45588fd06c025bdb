// Package ir holds the shared vocabulary of the custody system: event
// records, field values, canonical JSON, content-addressed ids, error codes,
// and 256-bit amount helpers.
//
// ir imports nothing internal. Every other package may import it.
//
// Constraints:
//   - No floats anywhere. Amounts travel as decimal strings of base units.
//   - Addresses and hashes are lowercase 0x-prefixed hex in event fields.
//   - Ordering uses logical seq numbers, never wall-clock time.
package ir
