package checkers

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	macaroon "gopkg.in/macaroon.v2"
)

// clockContextKey is the context key used to associate a clock with a
// checking context.
type clockContextKey struct{}

// ContextWithClock returns a copy of ctx associated with the given
// clock, which will be used by the time-before checker to determine the
// current time. If clk is nil, ctx itself is returned and the checker
// falls back to the wall clock.
func ContextWithClock(ctx context.Context, clk clock.Clock) context.Context {
	if clk == nil {
		return ctx
	}
	return context.WithValue(ctx, clockContextKey{}, clk)
}

// clockFromContext returns the clock associated with ctx, or nil if
// there is none.
func clockFromContext(ctx context.Context) clock.Clock {
	clk, _ := ctx.Value(clockContextKey{}).(clock.Clock)
	return clk
}

// TimeBeforeCaveat returns a caveat that specifies that the time it is
// checked at should be before t.
func TimeBeforeCaveat(t time.Time) Caveat {
	return firstParty(CondTimeBefore, t.UTC().Format(time.RFC3339Nano))
}

// checkTimeBefore checks the "time-before" caveat condition against the
// clock carried in the context, or the wall clock if there is none.
func checkTimeBefore(ctx context.Context, cond, arg string) error {
	var now time.Time
	if clk := clockFromContext(ctx); clk != nil {
		now = clk.Now()
	} else {
		now = time.Now()
	}
	t, err := time.Parse(time.RFC3339Nano, arg)
	if err != nil {
		return fmt.Errorf("cannot parse %q as RFC 3339", arg)
	}
	if !now.Before(t) {
		return fmt.Errorf("macaroon has expired")
	}

	return nil
}

// ExpiryTime returns the minimum time of any time-before caveats found
// in the given slice and whether there were any such caveats found.
//
// The ns parameter is used to determine the standard namespace prefix.
// If the standard namespace is not found, the empty prefix is assumed.
func ExpiryTime(ns *Namespace, cavs []macaroon.Caveat) (time.Time, bool) {
	prefix, _ := ns.Resolve(StdNamespace)
	timeBeforeCond := ConditionWithPrefix(prefix, CondTimeBefore)
	var t time.Time
	var expires bool
	for _, cav := range cavs {
		cond, arg, err := ParseCaveat(string(cav.Id))
		if err != nil || cond != timeBeforeCond {
			continue
		}
		et, err := time.Parse(time.RFC3339Nano, arg)
		if err != nil {
			continue
		}
		if !expires || et.Before(t) {
			t = et
			expires = true
		}
	}

	return t, expires
}

// MacaroonsExpiryTime returns the minimum time of any time-before
// caveats found in the given macaroons and whether there were any such
// caveats found.
func MacaroonsExpiryTime(ns *Namespace, ms macaroon.Slice) (time.Time,
	bool) {

	var t time.Time
	var expires bool
	for _, m := range ms {
		if et, ex := ExpiryTime(ns, m.Caveats()); ex {
			if !expires || et.Before(t) {
				t = et
				expires = true
			}
		}
	}

	return t, expires
}
