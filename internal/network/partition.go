// Package network implements the network source/sink subsystem (spec
// §4.H): partition-addressed routing between node processes, a
// registration-based PartitionManager, and a gRPC wire transport carrying
// NetworkFrames between a NetworkSink on the producing node and a
// NetworkSource on the consuming node.
package network

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/nebulastream/nebulastream-sub027/internal/log"
	"github.com/nebulastream/nebulastream-sub027/internal/types"
)

var logger = log.For("network")

// Partition addresses one stream endpoint crossing the network boundary
// (spec §4.H: "Partition = (query_id, pipeline_id, origin_id)").
type Partition struct {
	QueryID    types.QueryId
	PipelineID types.PipelineId
	OriginID   types.OriginId
}

func (p Partition) String() string {
	return fmt.Sprintf("Partition(query=%s, pipeline=%s, origin=%s)", p.QueryID, p.PipelineID, p.OriginID)
}

// Consumer receives frames arriving for a partition this node hosts a
// NetworkSource for.
type Consumer interface {
	OnFrame(f Frame) error
	OnEvent(e Event) error
}

// Producer is the channel a NetworkSink drives on behalf of a partition
// this node hosts the producing side of.
type Producer interface {
	Send(f Frame) error
}

// PartitionManager maps partitions to a registered Consumer (this node is
// the downstream NetworkSource) and to a registered Producer (this node is
// the upstream NetworkSink), kept in separate registries: at most one of
// each per partition, and both may be registered for the same partition
// (spec §4.H: "owns a PartitionManager
// mapping partitions to either a registered consumer ... or a registered
// producer").
type PartitionManager struct {
	mu        sync.RWMutex
	consumers map[Partition]Consumer
	producers map[Partition]Producer
}

// NewPartitionManager builds an empty registry.
func NewPartitionManager() *PartitionManager {
	return &PartitionManager{
		consumers: make(map[Partition]Consumer),
		producers: make(map[Partition]Producer),
	}
}

// RegisterConsumer binds p to c (NetworkSource.bind()).
func (pm *PartitionManager) RegisterConsumer(p Partition, c Consumer) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.consumers[p]; ok {
		return fmt.Errorf("network: partition %s already has a registered consumer", p)
	}
	pm.consumers[p] = c
	return nil
}

// UnregisterConsumer removes p's consumer binding, if any.
func (pm *PartitionManager) UnregisterConsumer(p Partition) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.consumers, p)
}

// RegisterProducer binds p to a producer channel (NetworkSink side).
func (pm *PartitionManager) RegisterProducer(p Partition, prod Producer) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.producers[p]; ok {
		return fmt.Errorf("network: partition %s already has a registered producer", p)
	}
	pm.producers[p] = prod
	return nil
}

// UnregisterProducer removes p's producer binding, if any.
func (pm *PartitionManager) UnregisterProducer(p Partition) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.producers, p)
}

// Consumer looks up the registered consumer for p, if any.
func (pm *PartitionManager) Consumer(p Partition) (Consumer, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	c, ok := pm.consumers[p]
	return c, ok
}

// Deliver routes a frame that arrived over the wire to p's registered
// consumer, if this node hosts one.
func (pm *PartitionManager) Deliver(p Partition, f Frame) error {
	c, ok := pm.Consumer(p)
	if !ok {
		return fmt.Errorf("network: no consumer registered for partition %s", p)
	}
	return c.OnFrame(f)
}

// Partitions returns every partition currently registered as either a
// consumer or a producer, for diagnostics.
func (pm *PartitionManager) Partitions() []Partition {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	seen := make(map[Partition]struct{}, len(pm.consumers)+len(pm.producers))
	for _, p := range maps.Keys(pm.consumers) {
		seen[p] = struct{}{}
	}
	for _, p := range maps.Keys(pm.producers) {
		seen[p] = struct{}{}
	}
	return maps.Keys(seen)
}
