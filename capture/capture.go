// Package capture decodes packets from pcap files or live interfaces into
// model.PacketRecord values for the ingest pipeline. It makes no
// assumptions about what stores the records.
package capture

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/netsentry/netsentry/pkg/model"
)

// Source reads packets from a pcap handle and emits decoded records.
type Source struct {
	handle  *pcap.Handle
	records chan model.PacketRecord
	stop    chan struct{}
	start   sync.Once
	counter uint64
}

// OpenFile opens a pcap/pcapng file, optionally with a BPF filter.
func OpenFile(path, bpf string) (*Source, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", path, err)
	}
	return newSource(handle, bpf)
}

// OpenLive opens a network interface for live capture.
func OpenLive(iface, bpf string) (*Source, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open interface %s: %w", iface, err)
	}
	return newSource(handle, bpf)
}

func newSource(handle *pcap.Handle, bpf string) (*Source, error) {
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set BPF filter: %w", err)
		}
	}
	return &Source{
		handle:  handle,
		records: make(chan model.PacketRecord, 1000),
		stop:    make(chan struct{}),
	}, nil
}

// Records returns the record channel, starting the decode loop on the
// first call. The channel closes when the source is exhausted or
// stopped.
func (s *Source) Records() <-chan model.PacketRecord {
	s.start.Do(func() { go s.loop() })
	return s.records
}

// Stop terminates the capture.
func (s *Source) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.handle.Close()
}

func (s *Source) loop() {
	defer close(s.records)

	select {
	case <-s.stop:
		return
	default:
	}

	source := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	source.NoCopy = true

	for {
		select {
		case <-s.stop:
			return
		case packet, ok := <-source.Packets():
			if !ok {
				return
			}
			s.counter++
			rec := decode(packet)
			rec.FrameNumber = s.counter

			select {
			case s.records <- rec:
			case <-s.stop:
				return
			}
		}
	}
}

// decode extracts the record fields from the packet layers.
func decode(packet gopacket.Packet) model.PacketRecord {
	rec := model.PacketRecord{
		Timestamp: packet.Metadata().Timestamp.UTC(),
		Length:    packet.Metadata().Length,
		Protocol:  model.ProtocolUnknown,
		Payload:   packet.Data(),
	}

	if arpLayer := packet.Layer(layers.LayerTypeARP); arpLayer != nil {
		arp := arpLayer.(*layers.ARP)
		rec.Protocol = model.ProtocolARP
		rec.SrcIP = fmt.Sprintf("%d.%d.%d.%d",
			arp.SourceProtAddress[0], arp.SourceProtAddress[1],
			arp.SourceProtAddress[2], arp.SourceProtAddress[3])
		rec.DstIP = fmt.Sprintf("%d.%d.%d.%d",
			arp.DstProtAddress[0], arp.DstProtAddress[1],
			arp.DstProtAddress[2], arp.DstProtAddress[3])
		switch arp.Operation {
		case 1:
			rec.Info = fmt.Sprintf("Who has %s? Tell %s", rec.DstIP, rec.SrcIP)
		case 2:
			rec.Info = fmt.Sprintf("%s is at %s", rec.SrcIP, net.HardwareAddr(arp.SourceHwAddress))
		}
		return rec
	}

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		rec.SrcIP = ip.SrcIP.String()
		rec.DstIP = ip.DstIP.String()
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		rec.SrcIP = ip.SrcIP.String()
		rec.DstIP = ip.DstIP.String()
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		rec.Protocol = model.ProtocolTCP
		rec.SrcPort = int(tcp.SrcPort)
		rec.DstPort = int(tcp.DstPort)
		rec.Info = fmt.Sprintf("%d → %d [%s] Seq=%d Ack=%d Win=%d Len=%d",
			tcp.SrcPort, tcp.DstPort, tcpFlags(tcp), tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))
		classifyPorts(&rec)

	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		rec.Protocol = model.ProtocolUDP
		rec.SrcPort = int(udp.SrcPort)
		rec.DstPort = int(udp.DstPort)
		rec.Info = fmt.Sprintf("%d → %d Len=%d", udp.SrcPort, udp.DstPort, udp.Length)
		classifyPorts(&rec)

	case packet.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		rec.Protocol = model.ProtocolICMP
		rec.Info = icmp.TypeCode.String()

	case packet.Layer(layers.LayerTypeICMPv6) != nil:
		icmp := packet.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		rec.Protocol = model.ProtocolICMP
		rec.Info = icmp.TypeCode.String()
	}

	if dnsLayer := packet.Layer(layers.LayerTypeDNS); dnsLayer != nil {
		dns := dnsLayer.(*layers.DNS)
		rec.Protocol = model.ProtocolDNS
		rec.Info = dnsInfo(dns)
	}

	return rec
}

// classifyPorts promotes well-known ports to their application protocol.
func classifyPorts(rec *model.PacketRecord) {
	switch {
	case rec.SrcPort == 80 || rec.DstPort == 80:
		rec.Protocol = model.ProtocolHTTP
		rec.AppProtocol = "HTTP"
	case rec.SrcPort == 443 || rec.DstPort == 443:
		rec.Protocol = model.ProtocolHTTPS
		rec.AppProtocol = "TLS"
	case rec.SrcPort == 53 || rec.DstPort == 53:
		rec.Protocol = model.ProtocolDNS
		rec.AppProtocol = "DNS"
	}
}

func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	if tcp.PSH {
		flags = append(flags, "PSH")
	}
	if tcp.URG {
		flags = append(flags, "URG")
	}
	if len(flags) == 0 {
		return "none"
	}
	return strings.Join(flags, ", ")
}

func dnsInfo(dns *layers.DNS) string {
	prefix := "Query"
	if dns.QR {
		prefix = "Response"
	}
	if len(dns.Questions) > 0 {
		q := dns.Questions[0]
		return fmt.Sprintf("%s: %s %s", prefix, q.Name, q.Type.String())
	}
	return prefix
}
