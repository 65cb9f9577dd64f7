package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kmemscope/kmemscope/pkg/proc"
)

// fakeStub answers the subset of the remote protocol used by Remote,
// serving memory from a single region.
type fakeStub struct {
	conn    net.Conn
	base    uint64
	mem     []byte
	ack     bool
	noAck   bool // advertise QStartNoAckMode
	packets []string
	done    chan struct{}
}

func startStub(t *testing.T, base uint64, mem []byte, noAck bool) (*fakeStub, net.Conn) {
	client, server := net.Pipe()
	s := &fakeStub{conn: server, base: base, mem: mem, ack: true, noAck: noAck, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
		<-s.done
	})
	return s, client
}

func (s *fakeStub) serve() {
	defer close(s.done)
	rdr := bufio.NewReader(s.conn)
	for {
		b, err := rdr.ReadByte()
		if err != nil {
			return
		}
		if b != '$' {
			continue
		}
		pkt, err := rdr.ReadString('#')
		if err != nil {
			return
		}
		pkt = pkt[:len(pkt)-1]
		if _, err := rdr.Discard(2); err != nil {
			return
		}
		s.packets = append(s.packets, pkt)
		if s.ack {
			s.conn.Write([]byte{'+'})
		}
		resp := s.respond(pkt)
		out := []byte("$" + resp + "#")
		sum := checksum(out)
		out = append(out, hexdigit[sum>>4], hexdigit[sum&0xf])
		if _, err := s.conn.Write(out); err != nil {
			return
		}
		if pkt == "QStartNoAckMode" {
			s.ack = false
		}
		if pkt == "D" {
			return
		}
	}
}

func (s *fakeStub) respond(pkt string) string {
	switch {
	case strings.HasPrefix(pkt, "qSupported"):
		if s.noAck {
			return "PacketSize=20;QStartNoAckMode+"
		}
		return "PacketSize=20"
	case pkt == "QStartNoAckMode", pkt == "D":
		return "OK"
	case pkt == "?":
		return "S05"
	case pkt[0] == 'm':
		v := strings.Split(pkt[1:], ",")
		addr, _ := strconv.ParseUint(v[0], 16, 64)
		sz, _ := strconv.ParseUint(v[1], 16, 64)
		if addr < s.base || addr+sz > s.base+uint64(len(s.mem)) {
			return "E14"
		}
		return hex.EncodeToString(s.mem[addr-s.base : addr-s.base+sz])
	}
	return ""
}

func TestRemoteReadMemory(t *testing.T) {
	for _, noAck := range []bool{true, false} {
		t.Run(fmt.Sprintf("noack=%v", noAck), func(t *testing.T) {
			mem := make([]byte, 64)
			for i := range mem {
				mem[i] = byte(i * 3)
			}
			stub, client := startStub(t, 0xffff888000001000, mem, noAck)

			r, err := Connect(client)
			require.NoError(t, err)
			require.Equal(t, "S05", r.StopReason())
			ok, err := r.Valid()
			require.True(t, ok)
			require.NoError(t, err)

			// PacketSize=0x20 allows 14 bytes per 'm' packet.
			buf := make([]byte, 40)
			n, err := r.ReadMemory(buf, 0xffff888000001004)
			require.NoError(t, err)
			require.Equal(t, 40, n)
			require.Equal(t, mem[4:44], buf)

			_, err = r.ReadMemory(make([]byte, 8), 0xffff888000002000)
			require.Error(t, err)
			require.Contains(t, err.Error(), "E14")

			require.NoError(t, r.Detach())
			ok, err = r.Valid()
			require.False(t, ok)
			require.Equal(t, proc.ErrTargetDetached, err)

			var mpackets int
			for _, p := range stub.packets {
				if p[0] == 'm' {
					mpackets++
				}
			}
			require.Equal(t, 4, mpackets)
		})
	}
}

func TestWiredecode(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"$OK#9a", "OK"},
		{"$0* #00", "0000"},
		{"$a}]b#00", "a}b"},
	}
	for _, tc := range tests {
		_, msg := wiredecode([]byte(tc.in), nil)
		if !bytes.Equal(msg, []byte(tc.out)) {
			t.Errorf("wiredecode(%q) = %q, want %q", tc.in, msg, tc.out)
		}
	}
}

func TestChecksum(t *testing.T) {
	if !checksumok([]byte("$OK#"), []byte("9a")) {
		t.Fatal("checksum of OK packet rejected")
	}
	if checksumok([]byte("$OK#"), []byte("9b")) {
		t.Fatal("wrong checksum accepted")
	}
}
