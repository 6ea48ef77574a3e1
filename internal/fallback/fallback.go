// Package fallback executes the pre-splice terminal route actions: hangup,
// a fixed text/file response, or a synthetic TLS fatal alert record.
package fallback

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/jcodybaker/sniproxy/internal/routing"
)

var alertDescription = map[routing.AlertSubtype]byte{
	routing.CloseNotify:       0,
	routing.HandshakeFailure:  40,
	routing.ProtocolVersion:   70,
	routing.DecodeError:       50,
	routing.InternalError:     80,
	routing.UnrecognizedName:  112,
}

// alertLevelFatal is the TLS alert level byte; fallback alerts are always fatal.
const alertLevelFatal = 0x02

// AlertRecord renders a single-record TLS fatal alert, content_type 0x15,
// with the record version echoed from recordVersion (the bytes captured
// from the client's own record header, or {0x03, 0x03} if none was
// captured yet).
func AlertRecord(subtype routing.AlertSubtype, recordVersion [2]byte) []byte {
	desc, ok := alertDescription[subtype]
	if !ok {
		desc = alertDescription[routing.InternalError]
	}
	if recordVersion == ([2]byte{}) {
		recordVersion = [2]byte{0x03, 0x03}
	}
	return []byte{
		0x15,
		recordVersion[0], recordVersion[1],
		0x00, 0x02,
		alertLevelFatal, desc,
	}
}

// Dispatch executes route's action against conn and returns once the
// connection has been fully handled; the caller is responsible for closing
// conn afterward. fileRoot, if non-empty, is prepended to a SendFile route's
// path so files are only ever served from a configured directory.
func Dispatch(conn net.Conn, route routing.Route, recordVersion [2]byte, fileRoot string) error {
	switch route.Action {
	case routing.Hangup:
		return nil
	case routing.SendText:
		_, err := writeAll(conn, []byte(route.SendText))
		return err
	case routing.SendFile:
		return sendFile(conn, fileRoot, route.SendFile)
	case routing.TLSAlert:
		_, err := writeAll(conn, AlertRecord(route.AlertSub, recordVersion))
		return err
	default:
		// Proxy routes never reach Dispatch; the caller routes those
		// through internal/connproxy's Connecting phase instead.
		return fmt.Errorf("fallback: action %v is not a pre-splice fallback action", route.Action)
	}
}

func sendFile(conn net.Conn, root, name string) error {
	path := name
	if root != "" {
		path = filepath.Join(root, filepath.Clean(string(os.PathSeparator)+name))
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fallback: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(conn, f); err != nil {
		return fmt.Errorf("fallback: send %s: %w", path, err)
	}
	return nil
}

func writeAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("fallback: write: %w", err)
		}
	}
	return total, nil
}
