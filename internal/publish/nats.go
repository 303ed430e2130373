package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink forwards events onto the message bus under
// <prefix>.<event_type>, e.g. apex.events.threat_event. Alert dispatchers
// and other backend consumers subscribe there instead of holding a WS.
type NATSSink struct {
	conn       *nats.Conn
	prefix     string
	maxRetries int
}

func NewNATSSink(conn *nats.Conn, prefix string, maxRetries int) *NATSSink {
	if prefix == "" {
		prefix = "apex.events"
	}
	return &NATSSink{conn: conn, prefix: prefix, maxRetries: maxRetries}
}

func (s *NATSSink) Send(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := s.prefix + "." + evt.Type
	for i := 0; i <= s.maxRetries; i++ {
		err = s.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", s.maxRetries, err)
}

func (s *NATSSink) Close() error {
	// The connection is shared and owned by main; nothing to release here.
	return nil
}

// ChanSink delivers events onto a Go channel, for tests and other in-process
// consumers.
type ChanSink struct {
	C chan Event
}

func NewChanSink(depth int) *ChanSink {
	return &ChanSink{C: make(chan Event, depth)}
}

func (s *ChanSink) Send(evt Event) error {
	select {
	case s.C <- evt:
		return nil
	default:
		return fmt.Errorf("chan sink full")
	}
}

func (s *ChanSink) Close() error {
	close(s.C)
	return nil
}
