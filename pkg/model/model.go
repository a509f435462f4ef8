// Package model defines the core record types shared by every storage
// backend: decoded packets, aggregated flows, and the fixed threat
// heuristic used for summary counts.
package model

import (
	"strings"
	"time"
)

// Protocol is the transport/application protocol of a packet.
// Unknown labels decode to ProtocolUnknown rather than failing.
type Protocol string

const (
	ProtocolTCP     Protocol = "TCP"
	ProtocolUDP     Protocol = "UDP"
	ProtocolICMP    Protocol = "ICMP"
	ProtocolARP     Protocol = "ARP"
	ProtocolDNS     Protocol = "DNS"
	ProtocolHTTP    Protocol = "HTTP"
	ProtocolHTTPS   Protocol = "HTTPS"
	ProtocolUnknown Protocol = "Unknown"
)

var knownProtocols = map[string]Protocol{
	"TCP":   ProtocolTCP,
	"UDP":   ProtocolUDP,
	"ICMP":  ProtocolICMP,
	"ARP":   ProtocolARP,
	"DNS":   ProtocolDNS,
	"HTTP":  ProtocolHTTP,
	"HTTPS": ProtocolHTTPS,
}

// ParseProtocol maps a protocol label to its canonical value.
// Unrecognized or empty labels map to ProtocolUnknown.
func ParseProtocol(s string) Protocol {
	if p, ok := knownProtocols[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return p
	}
	return ProtocolUnknown
}

// String returns the canonical protocol name.
func (p Protocol) String() string {
	if p == "" {
		return string(ProtocolUnknown)
	}
	return string(p)
}

// PacketRecord is one decoded packet. Records are immutable after insert:
// stores never modify them, and query results carry independent copies.
type PacketRecord struct {
	FrameNumber uint64    `json:"frame_number"`
	Timestamp   time.Time `json:"timestamp"` // UTC, sub-second precision
	Length      int       `json:"length"`    // wire length in bytes
	SrcIP       string    `json:"src_ip"`
	DstIP       string    `json:"dst_ip"`
	SrcPort     int       `json:"src_port,omitempty"` // 0 = not applicable
	DstPort     int       `json:"dst_port,omitempty"`
	Protocol    Protocol  `json:"protocol"`
	AppProtocol string    `json:"app_protocol,omitempty"`
	Info        string    `json:"info,omitempty"`

	// Payload is kept only by the in-memory backend; the persistent
	// backend drops it on insert.
	Payload []byte `json:"-"`
}

// FlowKey identifies a directional 5-tuple.
type FlowKey struct {
	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	Protocol Protocol
}

// FlowRecord aggregates all packets sharing one 5-tuple.
type FlowRecord struct {
	SrcIP       string    `json:"src_ip"`
	DstIP       string    `json:"dst_ip"`
	SrcPort     int       `json:"src_port,omitempty"`
	DstPort     int       `json:"dst_port,omitempty"`
	Protocol    Protocol  `json:"protocol"`
	PacketCount int64     `json:"packet_count"`
	ByteCount   int64     `json:"byte_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Key returns the 5-tuple key for this flow.
func (f *FlowRecord) Key() FlowKey {
	return FlowKey{
		SrcIP:    f.SrcIP,
		DstIP:    f.DstIP,
		SrcPort:  f.SrcPort,
		DstPort:  f.DstPort,
		Protocol: f.Protocol,
	}
}

// Threat heuristic. Both storage backends must count threats identically,
// so the rule set lives here once: IsThreat is the in-memory evaluator and
// the SQL translator generates its threat clause from the same constants.
var (
	// ThreatPorts are ports associated with SMB/NetBIOS abuse.
	ThreatPorts = []int{445, 139}

	// ThreatKeywords are suspicious substrings matched case-insensitively
	// against the packet info line. Keep these lowercase.
	ThreatKeywords = []string{"scan", "attack", "malware", "suspicious"}
)

// IsThreat reports whether a packet satisfies the fixed threat condition:
// ICMP traffic, a threat port on either side, or a suspicious keyword in
// the info text.
func IsThreat(p *PacketRecord) bool {
	if p.Protocol == ProtocolICMP {
		return true
	}
	for _, port := range ThreatPorts {
		if p.SrcPort == port || p.DstPort == port {
			return true
		}
	}
	if p.Info != "" {
		info := strings.ToLower(p.Info)
		for _, kw := range ThreatKeywords {
			if strings.Contains(info, kw) {
				return true
			}
		}
	}
	return false
}
