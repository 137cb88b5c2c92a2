package domain

import (
	"encoding/json"
	"fmt"
)

// Command tags a tunnel message.
type Command string

const (
	CmdConnect    Command = "connect"
	CmdSync       Command = "sync"
	CmdStatus     Command = "status"
	CmdDisconnect Command = "disconnect"
	CmdStop       Command = "stop"
)

// Stream status values. Non-negative values are what the dispatcher reports
// and double as the SOCKS5 reply code.
const (
	StatusDisconnected = -2
	StatusPending      = -1
	StatusSuccess      = 0
	StatusGeneral      = 1 // SOCKS5 general failure
	StatusUnknown      = 4
	StatusRefused      = 5
	StatusTimeout      = 6
)

// StatusText names a status for log lines.
func StatusText(status int) string {
	switch status {
	case StatusDisconnected:
		return "disconnected"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusGeneral:
		return "general failure"
	case StatusUnknown:
		return "unknown error"
	case StatusRefused:
		return "connection refused"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("status %d", status)
}

// Message is one tunnel command. Only the fields belonging to Cmd are put on
// the wire. Data travels as base64.
type Message struct {
	Cmd   Command
	ID    uint32
	Addr  string
	Port  int
	Data  []byte
	Value int
}

type connectWire struct {
	Cmd  Command `json:"cmd"`
	Addr string  `json:"addr"`
	Port int     `json:"port"`
	ID   uint32  `json:"id"`
}

type syncWire struct {
	Cmd  Command `json:"cmd"`
	Data []byte  `json:"data"`
	ID   uint32  `json:"id"`
}

type statusWire struct {
	Cmd   Command `json:"cmd"`
	Value int     `json:"value"`
	ID    uint32  `json:"id"`
}

type idWire struct {
	Cmd Command `json:"cmd"`
	ID  uint32  `json:"id"`
}

type stopWire struct {
	Cmd Command `json:"cmd"`
}

type anyWire struct {
	Cmd   Command `json:"cmd"`
	ID    uint32  `json:"id"`
	Addr  string  `json:"addr"`
	Port  int     `json:"port"`
	Data  []byte  `json:"data"`
	Value int     `json:"value"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Cmd {
	case CmdConnect:
		return json.Marshal(connectWire{Cmd: m.Cmd, Addr: m.Addr, Port: m.Port, ID: m.ID})
	case CmdSync:
		return json.Marshal(syncWire{Cmd: m.Cmd, Data: m.Data, ID: m.ID})
	case CmdStatus:
		return json.Marshal(statusWire{Cmd: m.Cmd, Value: m.Value, ID: m.ID})
	case CmdDisconnect:
		return json.Marshal(idWire{Cmd: m.Cmd, ID: m.ID})
	case CmdStop:
		return json.Marshal(stopWire{Cmd: m.Cmd})
	}
	return nil, fmt.Errorf("unknown command %q", m.Cmd)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w anyWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Cmd {
	case CmdConnect:
		*m = Message{Cmd: w.Cmd, ID: w.ID, Addr: w.Addr, Port: w.Port}
	case CmdSync:
		*m = Message{Cmd: w.Cmd, ID: w.ID, Data: w.Data}
	case CmdStatus:
		*m = Message{Cmd: w.Cmd, ID: w.ID, Value: w.Value}
	case CmdDisconnect:
		*m = Message{Cmd: w.Cmd, ID: w.ID}
	case CmdStop:
		*m = Message{Cmd: w.Cmd}
	default:
		return fmt.Errorf("unknown command %q", w.Cmd)
	}
	return nil
}

// Batch is the body of one HTTP tunnel exchange in either direction.
type Batch struct {
	Cmd  Command   `json:"cmd"`
	Msgs []Message `json:"msgs"`
	Seq  uint64    `json:"seq"`
}

// Stream lifecycle as seen by the dispatcher.
type State int

const (
	StateConnecting  State = iota // non-blocking connect in flight
	StateEstablished              // relaying
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

const (
	SocksVersion4 = 0x04
	SocksVersion5 = 0x05

	MethodNoAuth    = 0x00
	CmdSocksConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03

	ReplyCommandUnsupported = 0x07
	ReplyAtypUnsupported    = 0x08
)
