//	Package testutil holds helpers shared by tests. Only _test.go files
//	import it.
package testutil

import (
	"testing"
	"time"
)

//	TrueBefore polls cond until it holds or the deadline passes.
func TrueBefore(t *testing.T, cond func() bool, deadline time.Time) {
	t.Helper()
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		<-time.After(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not true before deadline")
	}
}
