// Package credits provides exact-precision credit amount handling using integer
// arithmetic. A credit (wire name "winc") is the smallest unit of upload
// currency tracked per user; all balances, reservations, and audit deltas are
// integers — floats never touch the ledger.
package credits

import (
	"database/sql/driver"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// Credits is an amount of upload currency in atomic units.
type Credits int64

// Max is the largest representable credit amount.
const Max = Credits(math.MaxInt64)

var (
	maxInt64Big = big.NewInt(math.MaxInt64)
	minInt64Big = big.NewInt(math.MinInt64)
)

// Add returns c + d, or an error on overflow.
func (c Credits) Add(d Credits) (Credits, error) {
	sum := c + d
	if (d > 0 && sum < c) || (d < 0 && sum > c) {
		return 0, fmt.Errorf("credits: overflow adding %d to %d", d, c)
	}
	return sum, nil
}

// Sub returns c - d, or an error on overflow.
func (c Credits) Sub(d Credits) (Credits, error) {
	return c.Add(-d)
}

// WithBufferPct returns c increased by pct percent, rounded up. Used for the
// reservation over-hold that absorbs oracle drift between reserve and consume.
func (c Credits) WithBufferPct(pct int) Credits {
	if pct <= 0 || c <= 0 {
		return c
	}
	n := new(big.Int).Mul(big.NewInt(int64(c)), big.NewInt(int64(100+pct)))
	n.Add(n, big.NewInt(99))
	n.Div(n, big.NewInt(100))
	if n.Cmp(maxInt64Big) > 0 {
		return Max
	}
	return Credits(n.Int64())
}

// String returns the plain integer form.
func (c Credits) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// MarshalJSON outputs the raw integer as a JSON string: "11500".
// Strings keep large balances safe from float-precision loss in JS clients.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatInt(int64(c), 10) + `"`), nil
}

// UnmarshalJSON parses from a JSON string ("11500") or number (11500).
func (c *Credits) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("credits: cannot parse %q: %w", string(data), err)
	}
	*c = Credits(v)
	return nil
}

// Value implements database/sql/driver.Valuer.
func (c Credits) Value() (driver.Value, error) {
	return int64(c), nil
}

// Scan implements database/sql.Scanner.
func (c *Credits) Scan(src any) error {
	if c == nil {
		return fmt.Errorf("credits: scan into nil *Credits")
	}
	switch v := src.(type) {
	case nil:
		*c = 0
		return nil
	case int64:
		*c = Credits(v)
		return nil
	case int32:
		*c = Credits(v)
		return nil
	case int:
		*c = Credits(v)
		return nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt64 || v < math.MinInt64 {
			return fmt.Errorf("credits: cannot scan non-integer float64 %v", v)
		}
		*c = Credits(int64(v))
		return nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("credits: cannot parse %q: %w", v, err)
		}
		*c = Credits(parsed)
		return nil
	case []byte:
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("credits: cannot parse %q: %w", string(v), err)
		}
		*c = Credits(parsed)
		return nil
	default:
		return fmt.Errorf("credits: cannot scan %T into Credits", src)
	}
}

// ToBigInt converts to *big.Int for token-unit arithmetic.
func (c Credits) ToBigInt() *big.Int {
	return big.NewInt(int64(c))
}

// FromBigInt converts a *big.Int to Credits, clamping out-of-range values
// instead of wrapping.
func FromBigInt(b *big.Int) Credits {
	if b.Cmp(maxInt64Big) > 0 {
		return Max
	}
	if b.Cmp(minInt64Big) < 0 {
		return Credits(math.MinInt64)
	}
	return Credits(b.Int64())
}
