package serialport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, got)
}

func TestPortOptions_Normalize(t *testing.T) {
	testCases := []struct {
		name    string
		opts    PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"explicit", PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"},
			PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"negative_baud_defaults", PortOptions{BaudRate: -5}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"marlin_250000", PortOptions{BaudRate: 250000}, PortOptions{BaudRate: 250000, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"odd_parity", PortOptions{Parity: " o "}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "O"}, false},
		{"invalid_baud", PortOptions{BaudRate: 12345}, PortOptions{}, true},
		{"invalid_data_bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"invalid_stop_bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"invalid_parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.opts.Normalize()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "E"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	_, err = PortOptions{Parity: "X"}.SerialMode()
	assert.Error(t, err)
}

func TestLine_SendCommandAppendsNewline(t *testing.T) {
	port := NewTestableSerialPort()
	line := NewLine(port)
	defer line.Close()

	require.NoError(t, line.SendCommand("G90"))
	require.NoError(t, line.SendCommand("G21\n"))
	assert.Equal(t, "G90\nG21\n", string(port.GetWrittenData()))
	assert.Equal(t, []string{"G90", "G21"}, port.Commands())
}

func TestLine_SendCommandWriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("device unplugged")
	line := NewLine(port)
	defer line.Close()

	assert.EqualError(t, line.SendCommand("M114"), "device unplugged")
}

type shortWritePort struct{ *TestableSerialPort }

func (s shortWritePort) Write(p []byte) (int, error) { return len(p) - 1, nil }

func TestLine_ShortWrite(t *testing.T) {
	line := NewLine(shortWritePort{NewTestableSerialPort()})
	defer line.Close()

	assert.ErrorIs(t, line.SendCommand("G28"), ErrWriteFailed)
}

func TestLine_TransactCollectsUntilDone(t *testing.T) {
	port := NewScriptedSerialPort(func(cmd string) string {
		if cmd == "M114" {
			return "X:1.00 Y:2.00 Z:180.00 E:0.00 Count X:0 Y:0 Z:0\r\nok\r\n"
		}
		return "ok\n"
	})
	line := NewLine(port, WithTimeout(time.Second))
	defer line.Close()

	resp, err := line.Transact(context.Background(), "M114", func(l string) bool { return l == "ok" })
	require.NoError(t, err)
	assert.Equal(t, []string{"X:1.00 Y:2.00 Z:180.00 E:0.00 Count X:0 Y:0 Z:0", "ok"}, resp)

	resp, err = line.Transact(context.Background(), "G90", func(l string) bool { return l == "ok" })
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, resp)
}

func TestLine_TransactTimeout(t *testing.T) {
	port := NewScriptedSerialPort(func(string) string { return "echo:busy processing\n" })
	line := NewLine(port, WithTimeout(20*time.Millisecond))
	defer line.Close()

	resp, err := line.Transact(context.Background(), "M400", func(l string) bool { return l == "ok" })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []string{"echo:busy processing"}, resp)
}

func TestLine_TransactHonoursContext(t *testing.T) {
	line := NewLine(NewTestableSerialPort(), WithTimeout(0))
	defer line.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := line.Transact(ctx, "M400", func(l string) bool { return l == "ok" })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLine_ReadErrorSurfaces(t *testing.T) {
	port := NewTestableSerialPort()
	line := NewLine(port)
	defer line.Close()

	port.FailNextRead(errors.New("i/o error"))
	_, err := line.ReadLine(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "i/o error")

	// The reader has stopped; later reads report the same failure.
	_, err = line.ReadLine(context.Background())
	assert.Error(t, err)
}

func TestLine_CloseStopsReader(t *testing.T) {
	port := NewTestableSerialPort()
	line := NewLine(port)

	require.NoError(t, line.Close())
	require.NoError(t, line.Close())
	assert.True(t, port.Closed)

	_, err := line.ReadLine(context.Background())
	assert.Error(t, err)
}

func TestLine_Drain(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("start\necho: External Reset\nMarlin 2.1.2\n"))
	line := NewLine(port)
	defer line.Close()

	// Let the reader pick up the banner.
	require.Eventually(t, func() bool { return len(line.lines) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, line.Drain())
	assert.Equal(t, 0, line.Drain())
}

func TestLine_BacklogHoldsLongBanner(t *testing.T) {
	banner := strings.Repeat("echo:  M92 X80.00 Y80.00 Z400.00 E93.00\n", 100)

	small := NewTestableSerialPort()
	small.AddReadData([]byte(banner))
	def := NewLine(small)
	defer def.Close()
	assert.Equal(t, 64, cap(def.lines))

	port := NewTestableSerialPort()
	port.AddReadData([]byte(banner))
	line := NewLine(port, WithBacklog(128))
	defer line.Close()

	require.Eventually(t, func() bool { return len(line.lines) == 100 }, time.Second, time.Millisecond)
	assert.Equal(t, 100, line.Drain())
}

func TestScriptedSerialPort_PartialWrites(t *testing.T) {
	var got []string
	port := NewScriptedSerialPort(func(cmd string) string {
		got = append(got, cmd)
		return ""
	})

	_, _ = port.Write([]byte("G1 X1"))
	_, _ = port.Write([]byte(".00\nM4"))
	_, _ = port.Write([]byte("00\n"))
	assert.Equal(t, []string{"G1 X1.00", "M400"}, got)
	assert.True(t, strings.HasSuffix(string(port.GetWrittenData()), "M400\n"))
}
