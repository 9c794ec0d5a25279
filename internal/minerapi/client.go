package minerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultPort is the TCP port the firmware API listens on.
const DefaultPort = "4028"

// DefaultTimeout bounds one full request/response exchange.
const DefaultTimeout = 10 * time.Second

// Command is one line-JSON request. Parameter is omitted when empty;
// several firmwares reject `"parameter": ""`.
type Command struct {
	Command   string `json:"command"`
	Parameter string `json:"parameter,omitempty"`
}

// Reply holds the parsed frames of a single exchange. The firmware terminates
// each JSON payload with a NUL byte and may emit more than one frame.
type Reply struct {
	Frames []map[string]any
}

// First returns the first frame, or nil on an empty reply.
func (r Reply) First() map[string]any {
	if len(r.Frames) == 0 {
		return nil
	}
	return r.Frames[0]
}

// Section collects every map found under the named top-level key (e.g.
// "STATS", "SUMMARY", "POOLS") across all frames. Firmware variants disagree
// on which frame index carries data, so callers union rather than index.
func (r Reply) Section(name string) []map[string]any {
	var out []map[string]any
	for _, f := range r.Frames {
		v, ok := f[name]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case []any:
			for _, e := range x {
				if m, ok := e.(map[string]any); ok {
					out = append(out, m)
				}
			}
		case map[string]any:
			out = append(out, x)
		}
	}
	return out
}

// Client speaks the line-JSON device protocol. One fresh TCP connection per
// call; the protocol is stateless and the firmware closes the stream after
// each reply, so pooling buys nothing.
type Client struct {
	Timeout time.Duration
	Dialer  *net.Dialer
}

// New returns a client with the default timeout bound.
func New() *Client {
	return &Client{
		Timeout: DefaultTimeout,
		Dialer:  &net.Dialer{Timeout: DefaultTimeout},
	}
}

// Send issues one command to addr (host or host:port) and parses the reply.
// Errors carry CONNECTION_FAILED / TIMEOUT / PROTOCOL_ERROR codes; no retries
// happen here — a failed call fails this poll cycle's sample for the caller
// to degrade.
func (c *Client) Send(ctx context.Context, addr string, cmd Command) (Reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeout}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		// A dial timeout is an unreachable device, not a slow one: TIMEOUT
		// is reserved for devices that accepted the connection.
		return Reply{}, newConnectionError(addr, cmd.Command, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	payload, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, newProtocolError(addr, cmd.Command, err)
	}
	// Any write failure, deadline included, means the command was never
	// delivered; callers treat CONNECTION_FAILED as "safe to assume no
	// state changed on the device".
	if _, err := conn.Write(payload); err != nil {
		return Reply{}, newConnectionError(addr, cmd.Command, err)
	}

	// Read until the firmware closes the stream. A deadline expiry here is
	// TIMEOUT no matter how many bytes arrived; whatever sits in the buffer
	// is a truncated frame, not a reply.
	raw, err := io.ReadAll(io.LimitReader(conn, 4<<20))
	if err != nil {
		if isTimeout(err) {
			return Reply{}, newTimeoutError(addr, cmd.Command, err)
		}
		if len(raw) == 0 {
			return Reply{}, newConnectionError(addr, cmd.Command, err)
		}
	}

	reply, perr := parseFrames(raw)
	if perr != nil {
		return Reply{}, newProtocolError(addr, cmd.Command, perr)
	}
	return reply, nil
}

// parseFrames splits on the NUL terminators and parses every non-empty
// segment. Trailing NULs and stray whitespace are stripped before decoding.
func parseFrames(raw []byte) (Reply, error) {
	var r Reply
	for _, seg := range bytes.Split(raw, []byte{0}) {
		seg = bytes.TrimSpace(seg)
		if len(seg) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(seg, &m); err != nil {
			// Some builds emit invalid `}{` frame joins or a bad "16"
			// escape in the stats reply; salvage what parses.
			if fixed := repairFrame(seg); fixed != nil {
				m = fixed
			} else {
				return Reply{}, err
			}
		}
		r.Frames = append(r.Frames, m)
	}
	if len(r.Frames) == 0 {
		return Reply{}, io.ErrUnexpectedEOF
	}
	return r, nil
}

// repairFrame works around the well-known `}{` join Bitmain firmwares emit
// between the STATS header and body objects.
func repairFrame(seg []byte) map[string]any {
	fixed := bytes.ReplaceAll(seg, []byte("}{"), []byte("},{"))
	if bytes.Equal(fixed, seg) {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(fixed, &m); err != nil {
		return nil
	}
	return m
}

func isTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// context deadline surfaced through the dialer
	return strings.Contains(err.Error(), "deadline exceeded")
}
