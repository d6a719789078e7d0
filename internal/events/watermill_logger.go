package events

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill"

	"chatnerd/internal/logging"
)

// watermillLogger routes watermill's logs into the events category.
type watermillLogger struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) format(msg string, fields watermill.LogFields) string {
	all := l.fields.Add(fields)
	if len(all) == 0 {
		return msg
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, all[k])
	}
	return b.String()
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Get(logging.CategoryEvents).Error("%s: %v", l.format(msg, fields), err)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	logging.Get(logging.CategoryEvents).Debug("%s", l.format(msg, fields))
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Get(logging.CategoryEvents).Debug("%s", l.format(msg, fields))
}

func (l *watermillLogger) Trace(string, watermill.LogFields) {}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.fields.Add(fields)}
}
