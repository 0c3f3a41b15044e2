package broker

import (
	"fmt"
	"strconv"
	"strings"

	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
)

// ParseAddr validates and splits a "host:port" broker address, the Go
// analogue of modelrunner/settings.py's init_redis_connection regex
// validation. It rejects anything that isn't exactly one colon-separated
// host and a numeric port, rather than silently defaulting.
func ParseAddr(addr string) (host string, port int, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 || idx == len(addr)-1 {
		return "", 0, fmt.Errorf("%w: invalid broker address %q", modelerrors.ErrInvalidConfig, addr)
	}

	host = addr[:idx]
	portStr := addr[idx+1:]

	port, err = strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid broker port in %q", modelerrors.ErrInvalidConfig, addr)
	}

	return host, port, nil
}
