package bakery

import (
	"github.com/btcsuite/btclog/v2"
)

// log is a logger that is initialized as disabled. This means the
// package will not perform any logging by default until a logger is
// set.
var log = btclog.Disabled

// DisableLog disables all library log output. Logging output is
// disabled by default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
