package testlog

import (
	"testing"

	logs "github.com/danmuck/udactl/internal/logging"
)

// Start installs the test logging profile and brackets the test in the log.
func Start(t testing.TB) {
	t.Helper()
	logs.ConfigureTests()
	logs.Infof("test.start name=%s", t.Name())
	t.Cleanup(func() {
		logs.Debugf("test.end name=%s failed=%t", t.Name(), t.Failed())
	})
}
