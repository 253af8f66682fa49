package epoch

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the textual form of an epoch key.
const Layout = "2006-01"

// Key identifies one calendar-month epoch, for example "2024-05".
type Key string

// Parse validates and normalises an epoch key.
func Parse(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	t, err := time.Parse(Layout, trimmed)
	if err != nil {
		return "", fmt.Errorf("epoch %q: expected YYYY-MM", raw)
	}
	return Of(t), nil
}

// Of returns the epoch containing t, evaluated in UTC.
func Of(t time.Time) Key {
	return Key(t.UTC().Format(Layout))
}

// Start is the first instant of the epoch in UTC.
func (k Key) Start() time.Time {
	t, err := time.Parse(Layout, string(k))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// End is the first instant after the epoch.
func (k Key) End() time.Time {
	return k.Start().AddDate(0, 1, 0)
}

// Next returns the following calendar month.
func (k Key) Next() Key {
	return Of(k.End())
}

// Previous returns the preceding calendar month.
func (k Key) Previous() Key {
	return Of(k.Start().AddDate(0, -1, 0))
}

// Before reports whether k precedes other.
func (k Key) Before(other Key) bool {
	return k.Start().Before(other.Start())
}

// Valid reports whether k parses.
func (k Key) Valid() bool {
	_, err := time.Parse(Layout, string(k))
	return err == nil
}

func (k Key) String() string { return string(k) }

// MonthsSince counts whole months from origin to k. It is negative when k
// precedes origin.
func (k Key) MonthsSince(origin Key) int {
	a, b := origin.Start(), k.Start()
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}
