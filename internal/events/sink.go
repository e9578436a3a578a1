package events

import (
	"io"
	"time"

	"dustdevil/internal/proto"
	"dustdevil/pkg/jsonhelper"

	"go.uber.org/zap"
)

// Sink drains a lossy subscription into the process logger and, when a
// writer is configured, into a JSON-lines event record stream.
type Sink struct {
	sub  *Subscription
	log  *zap.SugaredLogger
	json io.Writer
	done chan struct{}
}

type eventRecord struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"ts"`
	Kind      uint8  `json:"kind"`
	Message   string `json:"msg"`
}

// NewSink subscribes to the bus with a deep lossy queue and starts the
// drain goroutine.
func NewSink(bus *Bus, logger *zap.SugaredLogger, jsonWriter io.Writer) *Sink {
	s := &Sink{
		sub:  bus.Subscribe(1024, true),
		log:  logger,
		json: jsonWriter,
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.sub.C {
		msg := ev.Body.Message()
		switch ev.Body.Kind() {
		case proto.EvClientBytesSent, proto.EvClientBytesReceived,
			proto.EvClientSourceShutdown, proto.EvClientDestinationShutdown:
			s.log.Debug(msg)
		case proto.EvSocks5SocketBindFailed, proto.EvSandstormSocketBindFailed,
			proto.EvClientAcceptFailed, proto.EvManagerAcceptFailed, proto.EvNoSocketBound:
			s.log.Warn(msg)
		default:
			s.log.Info(msg)
		}

		if s.json != nil {
			record := jsonhelper.Encode(eventRecord{
				Seq:       ev.Seq,
				Timestamp: ev.Timestamp,
				Kind:      uint8(ev.Body.Kind()),
				Message:   msg,
			})
			record = append(record, '\n')
			_, _ = s.json.Write(record)
		}
	}
}

// Close detaches the sink from the bus and waits briefly for the drain
// goroutine to flush what it already has.
func (s *Sink) Close(bus *Bus) {
	bus.Unsubscribe(s.sub)
	close(s.sub.C)
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
	_ = s.log.Sync()
}
