package gdbserial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kmemscope/kmemscope/pkg/logflags"
	"github.com/sirupsen/logrus"
)

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	packetSize int // maximum packet size supported by stub

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log *logrus.Entry
}

const (
	gdbWireMaxLen = 120
	escapeXor     = 0x20

	qSupported = "$qSupported:swbreak+;hwbreak+;no-resumed+"
)

var ErrTooManyAttempts = errors.New("too many transmit attempts")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	gdberr, ok := err.(*GdbProtocolError)
	if !ok {
		return false
	}
	return gdberr.code == ""
}

func newConn(conn net.Conn) *gdbConn {
	return &gdbConn{
		conn:                conn,
		rdr:                 bufio.NewReader(conn),
		inbuf:               make([]byte, 0, 256),
		maxTransmitAttempts: 3,
		log:                 logflags.GdbWireLogger(),
	}
}

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = 256

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	features, err := conn.qSupported()
	if err != nil {
		return err
	}
	if features["QStartNoAckMode"] {
		if err := conn.disableAck(); err != nil {
			return err
		}
	}
	return nil
}

func (conn *gdbConn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte(qSupported), "init/qSupported")
	if err != nil {
		if isProtocolErrorUnsupported(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// stopReason executes a '?' command, the stub answers with the reason the
// target last stopped. A stub only answers once the target is halted.
func (conn *gdbConn) stopReason() (string, error) {
	resp, err := conn.exec([]byte("$?"), "stop reason")
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// detach executes a 'D' (detach) command.
func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		// Already detached
		return nil
	}
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	conn.conn.Close()
	conn.conn = nil
	return err
}

// readMemory executes 'm' (read memory) commands, splitting the read in as
// many packets as the stub's packet size requires.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		// gdbserver will crash if we ask too many bytes... not return an error, actually crash
		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != 2*sz {
			return fmt.Errorf("memory read at %#x: stub returned %d bytes, requested %d", addr+uint64(len(data)), len(resp)/2, sz)
		}

		for i := 0; i < len(resp); i += 2 {
			n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			if err != nil {
				return fmt.Errorf("memory read at %#x: malformed response: %v", addr, err)
			}
			data = append(data, uint8(n))
		}
	}
	return nil
}

func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if conn.conn == nil {
		return nil, errDetached
	}
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *gdbConn) recv(cmd []byte, context string) (resp []byte, err error) {
	attempt := 0
	var csum [2]byte
	for {
		// skip anything before the start of the packet, stray acks included
		if _, err := conn.rdr.ReadBytes('$'); err != nil {
			return nil, err
		}
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		resp = append([]byte{'$'}, resp...)

		// read checksum
		if _, err = conn.rdr.Read(csum[:1]); err != nil {
			return nil, err
		}
		if _, err = conn.rdr.Read(csum[1:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			if len(resp) > gdbWireMaxLen {
				conn.log.Debugf("-> %s...", string(resp[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("-> %s%s", string(resp), string(csum[:]))
			}
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	conn.inbuf, resp = wiredecode(resp, conn.inbuf)

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &GdbProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || len(buf) <= start {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
