package log

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

type logrusAdapter struct {
	entry *logrus.Entry
}

const (
	defaultPattern = "%time [%level] %field %msg"
	defaultTime    = "2006-01-02T15:04:05.000Z07:00"
)

func initByConfig(cfg *LoggerConfig) error {
	l := logrus.New()

	pattern, timeLayout := cfg.Pattern, cfg.Time
	if pattern == "" {
		pattern = defaultPattern
	}
	if timeLayout == "" {
		timeLayout = defaultTime
	}
	l.SetFormatter(&formatter{pattern: pattern, time: timeLayout})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	mw, err := buildWriter(cfg.Appenders)
	if err != nil {
		return err
	}
	l.SetOutput(mw)

	logger = &logrusAdapter{
		entry: logrus.NewEntry(l),
	}
	return nil
}

// buildWriter turns the appender list from a LoggerConfig into a
// MultiWriter, defaulting to stdout when none are configured.
func buildWriter(appenders []AppenderConfig) (*MultiWriter, error) {
	mw := NewMultiWriter()
	for i, a := range appenders {
		switch a.Type {
		case "console", "stdout", "":
			mw.Add(os.Stdout)
		case "file":
			var opt FileAppenderOpt
			if err := mapstructure.Decode(a.Options, &opt); err != nil {
				return nil, fmt.Errorf("log: appender[%d] file options: %w", i, err)
			}
			mw.AddFileAppender(opt)
		case "kafka":
			var opt KafkaAppenderOpt
			if err := mapstructure.Decode(a.Options, &opt); err != nil {
				return nil, fmt.Errorf("log: appender[%d] kafka options: %w", i, err)
			}
			mw.AddKafkaAppender(opt)
		default:
			return nil, fmt.Errorf("log: appender[%d]: unknown type %q", i, a.Type)
		}
	}
	if len(mw.writers) == 0 {
		mw.Add(os.Stdout)
	}
	return mw, nil
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) Panic(args ...interface{})                 { l.entry.Panic(args...) }
func (l *logrusAdapter) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
