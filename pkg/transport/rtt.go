package transport

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"
)

// RTT is a Segger J-Link RTT transport. Segger's RTT control protocol is
// only exposed through the proprietary JLinkARM shared library, which has
// no Go binding; this implementation drives Segger's own `JLinkRTTClient`
// CLI tool as a subprocess over its stdio instead.
type RTT struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	traceCmd  *exec.Cmd
	tracePath string
}

// RTTOptions configures the JLinkRTTClient subprocess.
type RTTOptions struct {
	Device     string // e.g. "NRF9160_XXAA"
	Interface  string // "SWD" or "JTAG"
	Speed      int    // kHz, 0 selects the tool's default
	ModemTrace bool   // capture the modem-trace RTT channel to a file
}

// modemTraceChannel is the up-channel nRF91 modem firmware emits trace data
// on.
const modemTraceChannel = 2

// OpenRTT launches JLinkRTTClient against device. With ModemTrace set, a
// JLinkRTTLogger subprocess additionally drains the modem-trace channel
// straight to a timestamped capture file.
func OpenRTT(opts RTTOptions) (*RTT, error) {
	args := []string{"-device", opts.Device, "-if", opts.Interface}
	if opts.Speed > 0 {
		args = append(args, "-speed", strconv.Itoa(opts.Speed))
	}

	cmd := exec.Command("JLinkRTTClient", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: rtt stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: rtt stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: starting JLinkRTTClient: %w", err)
	}

	r := &RTT{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}
	if opts.ModemTrace {
		r.tracePath = fmt.Sprintf("%d_nrf_modem_trace.bin", time.Now().Unix())
		traceArgs := append(append([]string{}, args...),
			"-RTTChannel", strconv.Itoa(modemTraceChannel), r.tracePath)
		r.traceCmd = exec.Command("JLinkRTTLogger", traceArgs...)
		if err := r.traceCmd.Start(); err != nil {
			cmd.Process.Kill()
			return nil, fmt.Errorf("transport: starting JLinkRTTLogger: %w", err)
		}
	}
	return r, nil
}

// ReadBytes reads up to n bytes from the RTT stream.
func (r *RTT) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := r.stdout.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// Write frames packet with the sync+length header and writes it whole.
func (r *RTT) Write(packet []byte) error {
	_, err := r.stdin.Write(frame(packet))
	return err
}

// Ping writes the 5-byte magic ping frame.
func (r *RTT) Ping() error {
	_, err := r.stdin.Write(Ping)
	return err
}

// TracePath returns the modem-trace capture file path, or "" when trace
// capture is disabled.
func (r *RTT) TracePath() string {
	return r.tracePath
}

// Close stops the RTT client subprocess and the trace logger.
func (r *RTT) Close() error {
	r.stdin.Close()
	err := r.cmd.Process.Kill()
	if r.traceCmd != nil {
		r.traceCmd.Process.Kill()
	}
	return err
}

var _ Transport = (*RTT)(nil)
