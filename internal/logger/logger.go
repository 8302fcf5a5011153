package logger

import (
	"io"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

const Component = "IKESESS"

type IKELog struct {
	log    *logrus.Logger
	f      io.Writer
	format logrus.Formatter
}

func newFormatter() logrus.Formatter {
	return &formatter.Formatter{
		TimestampFormat: time.RFC3339,
		TrimMessages:    true,
		NoFieldsSpace:   true,
		HideKeys:        true,
		FieldsOrder:     []string{"component", "category", "session"},
	}
}

// Init logs to the console and to logFile, rotated daily.
func (l *IKELog) Init(logFile string) error {
	writter, err := rotatelogs.New(
		logFile+".%Y%m%d",
		rotatelogs.WithLinkName(logFile),
		rotatelogs.ForceNewFile(),
	)
	if err != nil {
		return err
	}
	l.f = writter
	l.log = logrus.New()
	l.format = newFormatter()

	l.log.SetFormatter(l.format)
	l.log.AddHook(lfshook.NewHook(
		lfshook.WriterMap{
			logrus.TraceLevel: l.f,
			logrus.DebugLevel: l.f,
			logrus.InfoLevel:  l.f,
			logrus.WarnLevel:  l.f,
			logrus.ErrorLevel: l.f,
			logrus.FatalLevel: l.f,
			logrus.PanicLevel: l.f,
		},
		&logrus.TextFormatter{},
	))
	return nil
}

// InitWriter logs to w only, for foreground runs and tests.
func (l *IKELog) InitWriter(w io.Writer) {
	l.f = w
	l.log = logrus.New()
	l.format = newFormatter()
	l.log.SetFormatter(l.format)
	l.log.SetOutput(w)
}

func (l *IKELog) SetLogLevel(level logrus.Level) {
	l.log.SetLevel(level)
}

func (l *IKELog) SetReportCaller(set bool) {
	l.log.SetReportCaller(set)
}

func (l *IKELog) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.log.WithFields(fields)
}

// Category is the entry every component logs with.
func (l *IKELog) Category(category string) *logrus.Entry {
	return l.log.WithFields(logrus.Fields{"component": Component, "category": category})
}
