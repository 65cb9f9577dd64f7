package logflags

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_withFlagFalse(t *testing.T) {
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}

	actual := makeLogger(false, logrus.Fields{"foo": "bar"})
	if actual.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected actual.Logger.Level to be <%v>; but was <%v>", logrus.ErrorLevel, actual.Logger.Level)
	}
	if len(actual.Data) != 1 || actual.Data["foo"] != "bar" {
		t.Fatalf("expected actual.Data to be {'foo':'bar'}; but was <%v>", actual.Data)
	}
}

func TestMakeLogger_withFlagTrue(t *testing.T) {
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}

	actual := makeLogger(true, logrus.Fields{"foo": "bar"})
	if actual.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected actual.Logger.Level to be <%v>; but was <%v>", logrus.DebugLevel, actual.Logger.Level)
	}
	if actual.Logger.Formatter != textFormatterInstance {
		t.Fatalf("expected actual.Logger.Formatter to be <%v>; but was <%v>", textFormatterInstance, actual.Logger.Formatter)
	}
}

func TestMakeLogger_writesToLogOut(t *testing.T) {
	buf := &bufferWriter{}
	logOut = buf
	defer func() {
		logOut = nil
	}()

	logger := makeLogger(true, logrus.Fields{"layer": "slub"})
	logger.Debugf("walked %d caches", 3)

	out := buf.String()
	if !strings.Contains(out, "layer=slub") || !strings.Contains(out, "walked 3 caches") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		target, gdbWire, kmem, slub, terminal = false, false, false, false, false
	}()

	if err := Setup(false, "slub", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "gdbwire,slub", ""); err != nil {
		t.Fatal(err)
	}
	if !GdbWire() || !Slub() || Target() || Kmem() {
		t.Fatalf("wrong flags: gdbwire=%v slub=%v target=%v kmem=%v", GdbWire(), Slub(), Target(), Kmem())
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
