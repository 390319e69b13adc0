package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output by level: error-level entries go to
// stderr, everything else to stdout, so container log collectors can apply
// different handling per stream without parsing the message body.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-level base logger every ContextLogger wraps by
// default.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
