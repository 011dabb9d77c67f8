package p2pnet

import (
	"github.com/apex/log"
)

// Logger is the sink for everything the package reports while a model is
// built and run.  It defaults to the apex/log package logger, so a command
// that calls log.SetHandler / log.SetLevel controls it too.  Tests usually
// swap in a logger with the discard handler.
var Logger log.Interface = log.Log
