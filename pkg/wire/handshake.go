package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// APIPrefix opens every client connection.
var APIPrefix = []byte("API\x00")

// ConnectionTimeLayout formats the connection time in the server hello.
const ConnectionTimeLayout = "20060102 15:04:05 MST"

// Handshake is the client's opening version offer.
type Handshake struct {
	MinVersion int
	MaxVersion int
	Options    string
}

// EncodeHandshake builds the client's "API\0" + framed version range.
func EncodeHandshake(h Handshake) []byte {
	var payload []byte
	if h.MinVersion == h.MaxVersion {
		payload = fmt.Appendf(payload, "v%d", h.MaxVersion)
	} else {
		payload = fmt.Appendf(payload, "v%d..%d", h.MinVersion, h.MaxVersion)
	}
	if h.Options != "" {
		payload = append(payload, ' ')
		payload = append(payload, h.Options...)
	}
	out := append([]byte(nil), APIPrefix...)
	return appendRawFrame(out, payload)
}

// DecodeHandshake parses the client's opening bytes.
func DecodeHandshake(buf []byte) (Handshake, int, error) {
	if len(buf) < len(APIPrefix) {
		if !bytes.HasPrefix(APIPrefix, buf) {
			return Handshake{}, 0, &MalformedFrameError{Field: -1, Reason: "missing API prefix"}
		}
		return Handshake{}, 0, ErrNeedMoreData
	}
	if !bytes.Equal(buf[:len(APIPrefix)], APIPrefix) {
		return Handshake{}, 0, &MalformedFrameError{Field: -1, Reason: "missing API prefix"}
	}
	payload, n, err := splitFrame(buf[len(APIPrefix):])
	if err != nil {
		return Handshake{}, 0, err
	}
	n += len(APIPrefix)
	h, err := parseVersionOffer(string(bytes.TrimRight(payload, "\x00")))
	if err != nil {
		return Handshake{}, n, &MalformedFrameError{Field: 0, Reason: err.Error(), Consumed: n}
	}
	return h, n, nil
}

func parseVersionOffer(s string) (Handshake, error) {
	var h Handshake
	offer, opts, _ := strings.Cut(s, " ")
	h.Options = strings.TrimSpace(opts)
	if !strings.HasPrefix(offer, "v") {
		return h, fmt.Errorf("bad version offer %q", s)
	}
	offer = offer[1:]
	lo, hi, ranged := strings.Cut(offer, "..")
	minV, err := strconv.Atoi(lo)
	if err != nil {
		return h, fmt.Errorf("bad min version %q", lo)
	}
	maxV := minV
	if ranged {
		if maxV, err = strconv.Atoi(hi); err != nil {
			return h, fmt.Errorf("bad max version %q", hi)
		}
	}
	if minV <= 0 || maxV < minV {
		return h, fmt.Errorf("bad version range %d..%d", minV, maxV)
	}
	h.MinVersion, h.MaxVersion = minV, maxV
	return h, nil
}

// ServerHello is the server's reply to the handshake.
type ServerHello struct {
	Version        int
	ConnectionTime string
}

// EncodeServerHello frames the negotiated version and connection time.
func EncodeServerHello(version int, at time.Time) []byte {
	w := fieldWriter{}
	w.int(version)
	w.str(at.Format(ConnectionTimeLayout))
	return appendRawFrame(nil, w.buf)
}

// DecodeServerHello parses the server reply.
func DecodeServerHello(buf []byte) (ServerHello, int, error) {
	payload, n, err := splitFrame(buf)
	if err != nil {
		return ServerHello{}, 0, err
	}
	fields, bad := splitFields(payload)
	if bad >= 0 || len(fields) != 2 {
		return ServerHello{}, n, &MalformedFrameError{Field: -1, Reason: "bad server hello", Consumed: n}
	}
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return ServerHello{}, n, &MalformedFrameError{Field: 0, Reason: "bad server version", Consumed: n}
	}
	return ServerHello{Version: v, ConnectionTime: fields[1]}, n, nil
}
