// Package common provides shared infrastructure for the pulse services:
// the global structured logger, the HTTP response envelope, and the
// application error taxonomy used by both the API and the worker.
//
// The logging setup routes error-level output to stderr while all other
// levels go to stdout, so containerized deployments can treat the two
// streams differently without parsing every line.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level marker. It works on the final logrus output, so it is
// compatible with both the text and JSON formatters.
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) ||
		bytes.Contains(p, []byte("level=fatal")) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Services configure its level and
// format once at startup via ConfigureLogger and use it everywhere else.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the level and format for the current
// environment. Recognized levels are the logrus names plus "trace" and
// "silent"; unknown values fall back to info. Production always logs
// JSON so log aggregation stays machine readable.
func ConfigureLogger(level, environment string) {
	switch strings.ToLower(level) {
	case "silent":
		Logger.SetLevel(logrus.PanicLevel)
	case "fatal":
		Logger.SetLevel(logrus.FatalLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "trace":
		Logger.SetLevel(logrus.TraceLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if environment == "production" || environment == "staging" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
