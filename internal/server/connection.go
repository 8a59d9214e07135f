package server

import (
	"bufio"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/pbxsim/pbx/internal/pbxregistry"
	"github.com/pbxsim/pbx/internal/tu"
)

// connection parses line-protocol commands off a single client socket
// and dispatches them to the TU it was registered as.
type connection struct {
	conn   net.Conn
	tu     *tu.TU
	pbx    *pbxregistry.PBX
	logger *slog.Logger
}

func newConnection(conn net.Conn, t *tu.TU, pbx *pbxregistry.PBX, logger *slog.Logger) *connection {
	return &connection{conn: conn, tu: t, pbx: pbx, logger: logger}
}

// run reads and dispatches commands until the connection is closed, by
// the client or by the registry closing the TU's socket during
// pbxregistry.PBX.Shutdown. The server's accept loop shutting down
// does not by itself close any already-accepted connection — that is
// the registry's job, so that the PBX remains the component driving
// an in-progress call's teardown.
func (c *connection) run() {
	scanner := bufio.NewScanner(c.conn)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		c.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("connection read error", "error", err)
	}
}

// dispatch parses one command line and applies it to the connection's
// TU. Unrecognized lines are silently ignored, matching the original
// exchange's permissive line reader.
func (c *connection) dispatch(line string) {
	cmd, arg, _ := strings.Cut(line, " ")

	switch strings.ToLower(cmd) {
	case "pickup":
		c.tu.Pickup()
	case "hangup":
		c.tu.Hangup()
	case "dial":
		c.handleDial(arg)
	case "chat":
		if err := c.tu.Chat(arg); err != nil {
			c.logger.Debug("chat rejected", "error", err)
		}
	default:
		c.logger.Debug("ignoring unrecognized command", "line", line)
	}
}

// handleDial resolves arg to a target extension and number and issues
// the dial. A non-numeric argument is treated as an extension the
// registry cannot possibly hold, producing the same null-target dial
// the registry would return for any other unknown extension.
func (c *connection) handleDial(arg string) {
	ext, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		if derr := c.tu.Dial(nil); derr != nil {
			c.logger.Debug("dial to non-numeric extension", "arg", arg, "error", derr)
		}
		return
	}
	if err := c.pbx.Dial(c.tu, ext); err != nil {
		c.logger.Debug("dial failed", "extension", ext, "error", err)
	}
}
