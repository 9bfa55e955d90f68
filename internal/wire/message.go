package wire

import "fmt"

// Version is the protocol version carried by every message. Peers must agree
// on it exactly.
const Version uint32 = 1

type RequestType int32

const (
	RequestUnspecified RequestType = 0
	RequestPing        RequestType = 1
	RequestClientQuit  RequestType = 2
	RequestScript      RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case RequestPing:
		return "PING"
	case RequestClientQuit:
		return "CLIENT_QUIT"
	case RequestScript:
		return "SMTLIB_SCRIPT"
	}
	return fmt.Sprintf("REQUEST(%d)", int32(t))
}

type ReplyType int32

const (
	ReplyUnspecified ReplyType = 0
	ReplyPong        ReplyType = 1
	ReplyScript      ReplyType = 2
	ReplyError       ReplyType = 3
)

func (t ReplyType) String() string {
	switch t {
	case ReplyPong:
		return "PONG"
	case ReplyScript:
		return "SMTLIB_REPLY"
	case ReplyError:
		return "ERROR"
	}
	return fmt.Sprintf("REPLY(%d)", int32(t))
}

// Code is shared by PONG (worker status) and ERROR (failure reason).
type Code int32

const (
	CodeUnspecified    Code = 0
	CodeUnknownRequest Code = 1
	CodeBusy           Code = 2
	CodeIdle           Code = 3
)

func (c Code) String() string {
	switch c {
	case CodeUnknownRequest:
		return "UNKNOWN_REQUEST"
	case CodeBusy:
		return "BUSY"
	case CodeIdle:
		return "IDLE"
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Message is one frame on the wire. Exactly one of Request and Reply is set.
type Message struct {
	Version uint32
	ID      uint64
	Request *Request
	Reply   *Reply
}

type Request struct {
	Type  RequestType
	Stdin []byte
}

// Command holds the outcome of one solver process.
type Command struct {
	Stdout []byte
	Stderr []byte
	Status int32
}

type Reply struct {
	Type    ReplyType
	Code    Code
	Message string
	Cmd     *Command
}

func Ping() *Request       { return &Request{Type: RequestPing} }
func ClientQuit() *Request { return &Request{Type: RequestClientQuit} }

func Script(stdin []byte) *Request {
	return &Request{Type: RequestScript, Stdin: stdin}
}

func Pong(busy bool) *Reply {
	if busy {
		return &Reply{Type: ReplyPong, Code: CodeBusy}
	}
	return &Reply{Type: ReplyPong, Code: CodeIdle}
}

func Error(code Code, msg string) *Reply {
	return &Reply{Type: ReplyError, Code: code, Message: msg}
}

func ScriptReply(stdout, stderr []byte, status int32) *Reply {
	return &Reply{Type: ReplyScript, Cmd: &Command{Stdout: stdout, Stderr: stderr, Status: status}}
}

func (r *Request) String() string {
	if r.Type == RequestScript {
		return fmt.Sprintf("%s(%d bytes)", r.Type, len(r.Stdin))
	}
	return r.Type.String()
}

func (r *Reply) String() string {
	switch r.Type {
	case ReplyScript:
		if r.Cmd == nil {
			return r.Type.String()
		}
		return fmt.Sprintf("%s(status=%d stdout=%d bytes)", r.Type, r.Cmd.Status, len(r.Cmd.Stdout))
	case ReplyError:
		return fmt.Sprintf("%s(%s: %s)", r.Type, r.Code, r.Message)
	}
	return fmt.Sprintf("%s(%s)", r.Type, r.Code)
}
