package metrics

import (
	"time"

	"github.com/confluxdb/conflux/pkg/raftnode"
	"github.com/confluxdb/conflux/pkg/statemachine"
)

// Collector periodically samples a Node and FSM into the package's
// Prometheus gauges via a ticker-driven Start/Stop loop.
type Collector struct {
	node   *raftnode.Node
	fsm    *statemachine.FSM
	stopCh chan struct{}
}

// NewCollector builds a Collector over node and fsm.
func NewCollector(node *raftnode.Node, fsm *statemachine.FSM) *Collector {
	return &Collector{node: node, fsm: fsm, stopCh: make(chan struct{})}
}

// Start begins sampling every interval, collecting once immediately.
func (c *Collector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.fsm.Stats()
	ConfigsTotal.Set(float64(stats.Configs))
	ProposalsTotal.Set(float64(stats.Proposals))
	ProposalsPending.Set(float64(stats.PendingApprove))

	nm := c.node.Metrics()
	if c.node.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftTerm.Set(float64(nm.Term))
	RaftPeers.Set(float64(nm.NumPeers))
	RaftLastLogIndex.Set(float64(nm.LastLogIndex))
	RaftAppliedIndex.Set(float64(nm.AppliedIndex))
	WatchSubscribersTotal.Set(float64(nm.SubscriberSum))
}
