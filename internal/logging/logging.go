// Package logging configures moldau's structured logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Initialize sets up the package-level logger. Called once from main.
func Initialize(verbose bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: !verbose,
		FullTimestamp:    verbose,
	})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
}

// Get returns the configured logger.
func Get() *logrus.Logger { return log }

// WithFields is a shorthand for Get().WithFields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}
