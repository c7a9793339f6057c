package pool

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/amphibian-ai/amphibian/types"
)

// ShareCode is the out-of-band rendezvous token for a pool: host, port,
// and a shared secret, base64-encoded as "host:port:secret".
type ShareCode struct {
	Host   string
	Port   int
	Secret string
}

// Addr renders the host:port dial address.
func (s ShareCode) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Encode renders the share code as base64(host:port:secret).
func (s ShareCode) Encode() string {
	raw := fmt.Sprintf("%s:%d:%s", s.Host, s.Port, s.Secret)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// NewSecret returns a random 12-hex-character pool secret.
func NewSecret() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", types.NewError(types.ErrIntegrity, "generate secret").WithCause(err)
	}
	return hex.EncodeToString(buf), nil
}

// ParseShareCode decodes and validates a share code. It rejects codes that
// are not base64, do not split into exactly three parts, or whose port is
// not an integer in [1, 65535]. It never panics on arbitrary input.
func ParseShareCode(code string) (ShareCode, error) {
	raw, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return ShareCode{}, types.NewError(types.ErrInputInvalid, "share code is not base64").WithCause(err)
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 {
		return ShareCode{}, types.NewError(types.ErrInputInvalid, "share code must have exactly three parts")
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return ShareCode{}, types.Errorf(types.ErrInputInvalid, "share code port %q out of range", parts[1])
	}
	return ShareCode{Host: parts[0], Port: port, Secret: parts[2]}, nil
}
