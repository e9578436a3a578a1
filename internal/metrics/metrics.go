// Package metrics keeps the server's six counters. The coordinator bumps
// every counter under the same lock that publishes the matching event, so
// they stay consistent with the event stream.
package metrics

import (
	"sync/atomic"

	"dustdevil/internal/proto"
)

type Counters struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	currentClients   atomic.Uint64
	historicClients  atomic.Uint64
	currentManagers  atomic.Uint64
	historicManagers atomic.Uint64
}

func New() *Counters {
	return &Counters{}
}

func (c *Counters) AddBytesSent(n uint64)     { c.bytesSent.Add(n) }
func (c *Counters) AddBytesReceived(n uint64) { c.bytesReceived.Add(n) }

func (c *Counters) ClientOpened() {
	c.currentClients.Add(1)
	c.historicClients.Add(1)
}

func (c *Counters) ClientClosed() {
	c.currentClients.Add(^uint64(0))
}

func (c *Counters) ManagerOpened() {
	c.currentManagers.Add(1)
	c.historicManagers.Add(1)
}

func (c *Counters) ManagerClosed() {
	c.currentManagers.Add(^uint64(0))
}

func (c *Counters) Snapshot() proto.Metrics {
	return proto.Metrics{
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		CurrentClients:   c.currentClients.Load(),
		HistoricClients:  c.historicClients.Load(),
		CurrentManagers:  c.currentManagers.Load(),
		HistoricManagers: c.historicManagers.Load(),
	}
}
