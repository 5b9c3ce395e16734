// Package wire defines the ASCII, whitespace-separated packet format shared
// by every peer in the cluster and the typed packet variants the rest of
// the system is built around.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProcessID identifies a peer. Process 0 is always the coordinator.
type ProcessID int

// Tag is the leading whitespace-delimited token of a packet.
type Tag string

const (
	TagMsg         Tag = "MSG"
	TagAck         Tag = "ACK"
	TagJoin        Tag = "JOIN"
	TagViewChange  Tag = "VIEW_CHANGE"
	TagFlush       Tag = "FLUSH"
	TagInstallView Tag = "INSTALL_VIEW"
	TagHeartbeat   Tag = "HEART_BEAT"
)

// ErrMalformed is returned by Decode when a packet's fields can't be parsed.
// Per spec, a malformed packet is dropped silently by the caller -- it is
// never treated as fatal.
var ErrMalformed = errors.New("wire: malformed packet")

// Member is one (ip, id) pair as carried on the wire inside VIEW_CHANGE.
type Member struct {
	IP string
	ID ProcessID
}

// Packet is implemented by every one of the seven wire message types.
type Packet interface {
	Tag() Tag
	Encode() []byte
}

type Msg struct {
	Seq     int64
	Sender  ProcessID
	Content string
}

func (Msg) Tag() Tag { return TagMsg }

func (m Msg) Encode() []byte {
	return []byte(fmt.Sprintf("%s %d %d %s", TagMsg, m.Seq, m.Sender, m.Content))
}

type Ack struct {
	Seq    int64
	Sender ProcessID
}

func (Ack) Tag() Tag { return TagAck }

func (a Ack) Encode() []byte {
	return []byte(fmt.Sprintf("%s %d %d", TagAck, a.Seq, a.Sender))
}

type Join struct {
	ID ProcessID
	IP string
}

func (Join) Tag() Tag { return TagJoin }

func (j Join) Encode() []byte {
	return []byte(fmt.Sprintf("%s %d %s", TagJoin, j.ID, j.IP))
}

type ViewChange struct {
	Origin  ProcessID
	Members []Member
}

func (ViewChange) Tag() Tag { return TagViewChange }

func (v ViewChange) Encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", TagViewChange, v.Origin)
	for _, m := range v.Members {
		fmt.Fprintf(&b, " %s %d", m.IP, m.ID)
	}
	return []byte(b.String())
}

type Flush struct {
	Sender ProcessID
}

func (Flush) Tag() Tag { return TagFlush }

func (f Flush) Encode() []byte {
	return []byte(fmt.Sprintf("%s %d", TagFlush, f.Sender))
}

type InstallView struct {
	Origin ProcessID
}

func (InstallView) Tag() Tag { return TagInstallView }

func (i InstallView) Encode() []byte {
	return []byte(fmt.Sprintf("%s %d", TagInstallView, i.Origin))
}

type Heartbeat struct {
	Sender ProcessID
	IP     string
}

func (Heartbeat) Tag() Tag { return TagHeartbeat }

func (h Heartbeat) Encode() []byte {
	return []byte(fmt.Sprintf("%s %d %s", TagHeartbeat, h.Sender, h.IP))
}

// Decode parses a raw packet and returns the typed variant. Content fields
// (MSG) may contain spaces; everything after the content's leading fields
// is taken verbatim as the tail of the packet.
func Decode(data []byte) (Packet, error) {
	text := string(data)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, ErrMalformed
	}
	switch Tag(fields[0]) {
	case TagMsg:
		return decodeMsg(text, fields)
	case TagAck:
		return decodeAck(fields)
	case TagJoin:
		return decodeJoin(fields)
	case TagViewChange:
		return decodeViewChange(fields)
	case TagFlush:
		return decodeFlush(fields)
	case TagInstallView:
		return decodeInstallView(fields)
	case TagHeartbeat:
		return decodeHeartbeat(fields)
	default:
		return nil, ErrMalformed
	}
}

func decodeMsg(text string, fields []string) (Packet, error) {
	if len(fields) < 3 {
		return nil, ErrMalformed
	}
	seq, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	sender, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, ErrMalformed
	}
	// content is everything after the 3rd whitespace-delimited field
	content := contentTail(text, 3)
	return Msg{Seq: seq, Sender: ProcessID(sender), Content: content}, nil
}

// contentTail returns the original text with the first n whitespace-
// separated fields stripped, preserving internal spacing in the remainder.
func contentTail(text string, n int) string {
	rest := text
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}

func decodeAck(fields []string) (Packet, error) {
	if len(fields) != 3 {
		return nil, ErrMalformed
	}
	seq, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	sender, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, ErrMalformed
	}
	return Ack{Seq: seq, Sender: ProcessID(sender)}, nil
}

func decodeJoin(fields []string) (Packet, error) {
	if len(fields) != 3 {
		return nil, ErrMalformed
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrMalformed
	}
	return Join{ID: ProcessID(id), IP: fields[2]}, nil
}

func decodeViewChange(fields []string) (Packet, error) {
	if len(fields) < 2 {
		return nil, ErrMalformed
	}
	origin, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrMalformed
	}
	rest := fields[2:]
	if len(rest)%2 != 0 {
		return nil, ErrMalformed
	}
	members := make([]Member, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		id, err := strconv.Atoi(rest[i+1])
		if err != nil {
			return nil, ErrMalformed
		}
		members = append(members, Member{IP: rest[i], ID: ProcessID(id)})
	}
	return ViewChange{Origin: ProcessID(origin), Members: members}, nil
}

func decodeFlush(fields []string) (Packet, error) {
	if len(fields) != 2 {
		return nil, ErrMalformed
	}
	sender, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrMalformed
	}
	return Flush{Sender: ProcessID(sender)}, nil
}

func decodeInstallView(fields []string) (Packet, error) {
	if len(fields) != 2 {
		return nil, ErrMalformed
	}
	origin, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrMalformed
	}
	return InstallView{Origin: ProcessID(origin)}, nil
}

func decodeHeartbeat(fields []string) (Packet, error) {
	if len(fields) != 3 {
		return nil, ErrMalformed
	}
	sender, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrMalformed
	}
	return Heartbeat{Sender: ProcessID(sender), IP: fields[2]}, nil
}
