// Package export renders query results as text or JSON.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/netsentry/netsentry/pkg/store"
)

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps a format name to its Format value.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown output format %q", s)
	}
}

// Exporter writes query results to an output stream.
type Exporter struct {
	w      io.Writer
	format Format
}

// NewExporter creates an exporter for the given writer and format.
func NewExporter(w io.Writer, format Format) *Exporter {
	return &Exporter{w: w, format: format}
}

// WriteResult renders one query result.
func (e *Exporter) WriteResult(res *store.PacketQueryResult) error {
	if e.format == FormatJSON {
		return e.writeJSON(res)
	}
	return e.writeText(res)
}

func (e *Exporter) writeJSON(res *store.PacketQueryResult) error {
	enc := json.NewEncoder(e.w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func (e *Exporter) writeText(res *store.PacketQueryResult) error {
	for i := range res.Packets {
		p := &res.Packets[i]
		endpoint := func(ip string, port int) string {
			if port > 0 {
				return fmt.Sprintf("%s:%d", ip, port)
			}
			return ip
		}
		_, err := fmt.Fprintf(e.w, "%6d  %s  %-5s  %-21s → %-21s  %5d  %s\n",
			p.FrameNumber,
			p.Timestamp.Format("15:04:05.000000"),
			p.Protocol.String(),
			endpoint(p.SrcIP, p.SrcPort),
			endpoint(p.DstIP, p.DstPort),
			p.Length,
			p.Info,
		)
		if err != nil {
			return err
		}
	}

	if res.TotalCount > 0 || res.FirstTimestamp != nil {
		span := "-"
		if res.FirstTimestamp != nil && res.LastTimestamp != nil {
			span = fmt.Sprintf("%s .. %s (%s)",
				res.FirstTimestamp.Format(time.RFC3339),
				res.LastTimestamp.Format(time.RFC3339),
				res.LastTimestamp.Sub(*res.FirstTimestamp))
		}
		_, err := fmt.Fprintf(e.w, "\nmatches: %d  bytes: %d  threats: %d  span: %s\n",
			res.TotalCount, res.TotalBytes, res.ThreatCount, span)
		return err
	}
	return nil
}
