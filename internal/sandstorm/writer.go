package sandstorm

import (
	"bufio"
	"errors"
	"net"

	"dustdevil/internal/events"
	"dustdevil/internal/proto"
	"dustdevil/internal/state"

	log "github.com/sirupsen/logrus"
)

var errSlowConsumer = errors.New("connection too slow to stream events")

// writer is the session's single output goroutine. It multiplexes family
// worker responses with event stream frames; every frame is written whole
// before the next is started, and the buffer is flushed whenever there is
// nothing pending.
type writer struct {
	id   uint64
	conn net.Conn
	co   *state.Coordinator
	bw   *bufio.Writer

	frames chan []byte
	ctrl   chan bool
	dead   chan struct{}

	sub *events.Subscription
	err error
}

func newWriter(id uint64, conn net.Conn, co *state.Coordinator) *writer {
	return &writer{
		id:     id,
		conn:   conn,
		co:     co,
		bw:     bufio.NewWriterSize(conn, writeBufferSize),
		frames: make(chan []byte, queueDepth),
		ctrl:   make(chan bool, queueDepth),
		dead:   make(chan struct{}),
	}
}

// send hands a complete response frame to the writer, giving up if the
// writer has already terminated.
func (w *writer) send(frame []byte) {
	select {
	case w.frames <- frame:
	case <-w.dead:
	}
}

func (w *writer) configureEventStream(enable bool) {
	select {
	case w.ctrl <- enable:
	case <-w.dead:
	}
}

// close is called after every producer is done: it closes the frame
// channel so the writer drains and exits, then reports the writer's error.
func (w *writer) close() error {
	close(w.frames)
	<-w.dead
	return w.err
}

func (w *writer) eventC() chan proto.Event {
	if w.sub == nil {
		return nil
	}
	return w.sub.C
}

func (w *writer) overrunC() <-chan struct{} {
	if w.sub == nil {
		return nil
	}
	return w.sub.Overrun()
}

func (w *writer) run() {
	defer func() {
		if w.sub != nil {
			w.co.UnsubscribeEvents(w.sub)
			w.sub = nil
		}
		if w.err != nil {
			// Unblock the session reader as well.
			w.conn.Close()
		}
		close(w.dead)
	}()

	for {
		if len(w.frames) == 0 && len(w.ctrl) == 0 && (w.sub == nil || len(w.sub.C) == 0) {
			if w.err = w.bw.Flush(); w.err != nil {
				return
			}
		}

		select {
		case frame, ok := <-w.frames:
			if !ok {
				w.err = w.bw.Flush()
				return
			}
			if _, w.err = w.bw.Write(frame); w.err != nil {
				return
			}
		case enable := <-w.ctrl:
			if w.err = w.handleEventConfig(enable); w.err != nil {
				return
			}
		case ev := <-w.eventC():
			if w.err = w.writeEvent(ev); w.err != nil {
				return
			}
		case <-w.overrunC():
			log.WithField("manager", w.id).Warn("Terminating manager session: event stream overrun")
			w.err = errSlowConsumer
			return
		}
	}
}

func (w *writer) handleEventConfig(enable bool) error {
	if !enable {
		if w.sub != nil {
			w.co.UnsubscribeEvents(w.sub)
			w.sub = nil
		}
		_, err := w.bw.Write([]byte{byte(proto.CmdEventStreamConfig), proto.EventStreamDisabled})
		return err
	}

	if w.sub != nil {
		_, err := w.bw.Write([]byte{byte(proto.CmdEventStreamConfig), proto.EventStreamAlreadyEnabled})
		return err
	}

	snapshot, sub, ok := w.co.SubscribeEvents()
	if !ok {
		_, err := w.bw.Write([]byte{byte(proto.CmdEventStreamConfig), proto.EventStreamDisabled})
		return err
	}
	w.sub = sub

	if _, err := w.bw.Write([]byte{byte(proto.CmdEventStreamConfig), proto.EventStreamEnabled}); err != nil {
		return err
	}
	return proto.WriteMetrics(w.bw, snapshot)
}

func (w *writer) writeEvent(ev proto.Event) error {
	if err := w.bw.WriteByte(byte(proto.CmdEventStream)); err != nil {
		return err
	}
	return proto.WriteEvent(w.bw, ev)
}
