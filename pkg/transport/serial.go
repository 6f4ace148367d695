package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultBaud is the rate Infuse-IoT gateway firmware configures (8N1).
const DefaultBaud = 115200

// Serial is a USB/UART transport. It opens the tty device directly and
// configures it with golang.org/x/sys/unix termios calls; no serial-port
// library is needed for raw 8N1 reads and writes.
type Serial struct {
	f *os.File
}

// OpenSerial opens path (e.g. "/dev/ttyACM0") in raw 8N1 mode at baud.
func OpenSerial(path string, baud int) (*Serial, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: opening %s: %w", path, err)
	}

	if err := configureRaw(f, baud); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: configuring %s: %w", path, err)
	}
	return &Serial{f: f}, nil
}

func configureRaw(f *os.File, baud int) error {
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	rate, ok := baudConstant(baud)
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Ispeed = rate
	t.Ospeed = rate
	// VMIN=0, VTIME=1 keeps reads short so the RX worker can poll its
	// stop signal between reads.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

func baudConstant(baud int) (uint32, bool) {
	switch baud {
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	default:
		return 0, false
	}
}

// ReadBytes reads up to n bytes, returning fewer on the port's read
// timeout.
func (s *Serial) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := s.f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// Write frames packet with the sync+length header and writes it whole.
func (s *Serial) Write(packet []byte) error {
	_, err := s.f.Write(frame(packet))
	return err
}

// Ping writes the 5-byte magic ping frame.
func (s *Serial) Ping() error {
	_, err := s.f.Write(Ping)
	return err
}

// Close closes the underlying file descriptor.
func (s *Serial) Close() error { return s.f.Close() }

var _ Transport = (*Serial)(nil)
