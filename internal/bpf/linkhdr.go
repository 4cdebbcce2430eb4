package bpf

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var errShortFrame = errors.New("bpf: frame shorter than link header")

// Frame prepends a broadcast link header from src to payload. Links without
// a header return payload unchanged.
func (l Link) Frame(src net.HardwareAddr, ethertype layers.EthernetType, payload []byte) ([]byte, error) {
	if l.HeaderLen == 0 {
		return payload, nil
	}
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: ethertype,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("link header: %w", err)
	}
	return buf.Bytes(), nil
}

// Strip removes the link header from a captured frame and returns the
// network layer bytes with the header's source address.
func (l Link) Strip(frame []byte) ([]byte, net.HardwareAddr, error) {
	if l.HeaderLen == 0 {
		return frame, nil, nil
	}
	if len(frame) < l.HeaderLen {
		return nil, nil, errShortFrame
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, fmt.Errorf("link header: %w", err)
	}
	return eth.Payload, eth.SrcMAC, nil
}
