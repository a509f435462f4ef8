// Package ingest batches decoded packet records into a packet store and
// aggregates the flow snapshot along the way.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/netsentry/netsentry/pkg/model"
	"github.com/netsentry/netsentry/pkg/store"
)

// Config holds configuration for the ingest pipeline.
type Config struct {
	// Store receives the packet batches and the final flow snapshot.
	Store store.PacketStore

	// BatchSize is the number of packets per InsertPackets call.
	// Defaults to 1000 if <= 0.
	BatchSize int

	// Progress, if set, is called after every committed batch.
	Progress func(processed int64, elapsed time.Duration)
}

// Result summarizes one pipeline run.
type Result struct {
	TotalPackets int64
	TotalBytes   int64
	TotalFlows   int
	Duration     time.Duration
}

// Pipeline consumes a record channel and writes to the configured store.
type Pipeline struct {
	cfg   Config
	flows map[model.FlowKey]*model.FlowRecord
}

// New creates a pipeline for the given configuration.
func New(cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Pipeline{
		cfg:   cfg,
		flows: make(map[model.FlowKey]*model.FlowRecord),
	}
}

// Run drains the record channel, inserting packets in batches and
// updating the flow aggregation. When the channel closes (or ctx is
// cancelled) the accumulated flow snapshot is written.
func (p *Pipeline) Run(ctx context.Context, records <-chan model.PacketRecord) (*Result, error) {
	start := time.Now()
	result := &Result{}

	batch := make([]model.PacketRecord, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.cfg.Store.InsertPackets(ctx, batch); err != nil {
			return fmt.Errorf("insert packets: %w", err)
		}
		result.TotalPackets += int64(len(batch))
		batch = batch[:0]
		if p.cfg.Progress != nil {
			p.cfg.Progress(result.TotalPackets, time.Since(start))
		}
		return nil
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case rec, ok := <-records:
			if !ok {
				break loop
			}
			p.updateFlow(&rec)
			result.TotalBytes += int64(rec.Length)
			batch = append(batch, rec)
			if len(batch) >= p.cfg.BatchSize {
				if err := flush(); err != nil {
					return result, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return result, err
	}

	if err := p.flushFlows(ctx); err != nil {
		return result, fmt.Errorf("flush flows: %w", err)
	}
	result.TotalFlows = len(p.flows)
	result.Duration = time.Since(start)
	return result, nil
}

// updateFlow folds one packet into its 5-tuple aggregate.
func (p *Pipeline) updateFlow(rec *model.PacketRecord) {
	if rec.SrcIP == "" && rec.DstIP == "" {
		return
	}

	key := model.FlowKey{
		SrcIP:    rec.SrcIP,
		DstIP:    rec.DstIP,
		SrcPort:  rec.SrcPort,
		DstPort:  rec.DstPort,
		Protocol: rec.Protocol,
	}

	flow, ok := p.flows[key]
	if !ok {
		flow = &model.FlowRecord{
			SrcIP:     rec.SrcIP,
			DstIP:     rec.DstIP,
			SrcPort:   rec.SrcPort,
			DstPort:   rec.DstPort,
			Protocol:  rec.Protocol,
			FirstSeen: rec.Timestamp,
			LastSeen:  rec.Timestamp,
		}
		p.flows[key] = flow
	}

	flow.PacketCount++
	flow.ByteCount += int64(rec.Length)
	if rec.Timestamp.Before(flow.FirstSeen) {
		flow.FirstSeen = rec.Timestamp
	}
	if rec.Timestamp.After(flow.LastSeen) {
		flow.LastSeen = rec.Timestamp
	}
}

func (p *Pipeline) flushFlows(ctx context.Context) error {
	if len(p.flows) == 0 {
		return nil
	}
	flows := make([]model.FlowRecord, 0, len(p.flows))
	for _, f := range p.flows {
		flows = append(flows, *f)
	}
	return p.cfg.Store.InsertFlows(ctx, flows)
}
