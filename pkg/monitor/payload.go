package monitor

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// PacketType is the single digit engine.io packet prefix.
type PacketType byte

const (
	PacketOpen    PacketType = '0'
	PacketClose   PacketType = '1'
	PacketPing    PacketType = '2'
	PacketPong    PacketType = '3'
	PacketMessage PacketType = '4'
	PacketUpgrade PacketType = '5'
	PacketNoop    PacketType = '6'
)

type Packet struct {
	Type PacketType
	Data string
}

func (p Packet) String() string {
	return string(rune(p.Type)) + p.Data
}

// Message wraps data in a message packet.
func Message(data string) Packet {
	return Packet{Type: PacketMessage, Data: data}
}

// EncodePayload frames packets for a polling request body: each packet is
// preceded by its character length and a colon.
func EncodePayload(packets []Packet) []byte {
	var buf bytes.Buffer
	for _, p := range packets {
		s := p.String()
		buf.WriteString(strconv.Itoa(utf8.RuneCountInString(s)))
		buf.WriteByte(':')
		buf.WriteString(s)
	}
	return buf.Bytes()
}

// DecodePayload splits a polling response body into packets.
func DecodePayload(data []byte) ([]Packet, error) {
	s := string(bytes.TrimSpace(data))
	var packets []Packet
	for len(s) > 0 {
		colon := 0
		for colon < len(s) && s[colon] >= '0' && s[colon] <= '9' {
			colon++
		}
		if colon == 0 || colon >= len(s) || s[colon] != ':' {
			return packets, fmt.Errorf("payload: missing length prefix at %q", truncate(s))
		}
		n, err := strconv.Atoi(s[:colon])
		if err != nil || n == 0 {
			return packets, fmt.Errorf("payload: bad length %q", s[:colon])
		}
		s = s[colon+1:]

		end, count := 0, 0
		for end < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[end:])
			end += size
			count++
		}
		if count < n {
			return packets, fmt.Errorf("payload: packet shorter than declared length %d", n)
		}
		p, err := ParsePacket(s[:end])
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
		s = s[end:]
	}
	return packets, nil
}

// ParsePacket reads one unframed packet, as carried by a websocket frame.
func ParsePacket(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("payload: empty packet")
	}
	t := PacketType(s[0])
	if t < PacketOpen || t > PacketNoop {
		return Packet{}, fmt.Errorf("payload: unknown packet type %q", s[0])
	}
	return Packet{Type: t, Data: s[1:]}, nil
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
