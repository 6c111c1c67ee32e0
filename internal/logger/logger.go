package logger

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Configure applies the level and format from the log section of the config.
// Unknown levels fall back to info.
func Configure(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Writer returns a writer that logs each line it receives at info level,
// tagged with component. Callers must close it.
func Writer(component string) io.WriteCloser {
	return log.WithField("component", component).WriterLevel(logrus.InfoLevel)
}

func Debug(msg string, keysAndValues ...any) {
	if len(keysAndValues) > 0 {
		log.WithFields(toFields(keysAndValues)).Debug(msg)
	} else {
		log.Debug(msg)
	}
}

func Info(msg string, keysAndValues ...any) {
	if len(keysAndValues) > 0 {
		log.WithFields(toFields(keysAndValues)).Info(msg)
	} else {
		log.Info(msg)
	}
}

func Warn(msg string, keysAndValues ...any) {
	if len(keysAndValues) > 0 {
		log.WithFields(toFields(keysAndValues)).Warn(msg)
	} else {
		log.Warn(msg)
	}
}

func Error(msg string, keysAndValues ...any) {
	if len(keysAndValues) > 0 {
		log.WithFields(toFields(keysAndValues)).Error(msg)
	} else {
		log.Error(msg)
	}
}

func toFields(keysAndValues []any) logrus.Fields {
	fields := make(logrus.Fields)
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			key, ok := keysAndValues[i].(string)
			if ok {
				fields[key] = keysAndValues[i+1]
			}
		}
	}
	return fields
}
