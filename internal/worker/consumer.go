package worker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nsqio/go-nsq"
)

// Subscribe connects handler to topic on the given lookupd, or directly to
// nsqd when lookupd is empty.
func Subscribe(topic, lookupd, nsqd string, handler nsq.Handler, logger *slog.Logger) (*nsq.Consumer, error) {
	cfg := nsq.NewConfig()
	cfg.MaxAttempts = 5

	consumer, err := nsq.NewConsumer(topic, Channel, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", topic, err)
	}
	consumer.SetLogger(NewNSQLogger(logger), nsq.LogLevelWarning)
	consumer.AddHandler(handler)

	if lookupd != "" {
		err = consumer.ConnectToNSQLookupd(lookupd)
	} else {
		err = consumer.ConnectToNSQD(nsqd)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("failed to connect consumer for %s: %w", topic, err)
	}
	return consumer, nil
}

// NSQLogger forwards go-nsq's internal log lines to slog.
type NSQLogger struct {
	logger *slog.Logger
}

func NewNSQLogger(logger *slog.Logger) *NSQLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &NSQLogger{logger: logger}
}

func (l *NSQLogger) Output(calldepth int, s string) error {
	msg := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(msg, "ERR"):
		l.logger.Error(msg, "component", "nsq")
	case strings.HasPrefix(msg, "WRN"):
		l.logger.Warn(msg, "component", "nsq")
	default:
		l.logger.Debug(msg, "component", "nsq")
	}
	return nil
}
