package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogSink writes every event to the log. Progress events go to debug.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log.WithField("sink", "log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, e Event) error {
	fields := logrus.Fields{"kind": e.Kind}
	if e.Campaign != "" {
		fields["campaign"] = e.Campaign
	}
	if e.SessionID != "" {
		fields["session"] = e.SessionID
	}
	if e.Status != "" {
		fields["status"] = e.Status
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	if e.Counts != nil {
		fields["sent"] = e.Counts.Sent
		fields["failed"] = e.Counts.Failed
		fields["pending"] = e.Counts.Pending
	}

	entry := s.log.WithFields(fields)
	if e.Kind == KindCampaignProgress {
		entry.Debug("Event")
		return nil
	}
	entry.Info("Event")
	return nil
}

func (s *LogSink) Close() error { return nil }
