package hostenv

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
)

// ResolveAdapterIP returns the IPv4 address of the host-side WSL virtual
// adapter, as listed by ipconfig.
func (e *Env) ResolveAdapterIP(ctx context.Context) (string, error) {
	out, err := e.runner.Run(ctx, "ipconfig")
	if err != nil {
		return "", fmt.Errorf("read network interface info: %w", err)
	}
	ip, err := parseIPConfig(out)
	if err != nil {
		return "", err
	}
	e.logger.Debug("resolved WSL adapter address", "ip", ip)
	return ip, nil
}

// parseIPConfig finds the adapter whose header names both "vEthernet" and
// "WSL" and returns the first IPv4 value inside its block. Adapter headers
// start at column zero; their properties are indented.
func parseIPConfig(out []byte) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	inAdapter := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			inAdapter = strings.Contains(line, "vEthernet") && strings.Contains(line, "WSL")
			continue
		}
		if !inAdapter || !strings.Contains(line, "IPv4") {
			continue
		}

		_, value, ok := strings.Cut(line, ":")
		if !ok {
			return "", fmt.Errorf("unrecognized IPv4 line %q", strings.TrimSpace(line))
		}
		value = strings.TrimSpace(value)
		// Some Windows builds append "(Preferred)".
		if i := strings.IndexByte(value, '('); i >= 0 {
			value = value[:i]
		}
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			return "", fmt.Errorf("unrecognized WSL host IP address %q", value)
		}
		return ip.String(), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan ipconfig output: %w", err)
	}
	return "", ErrAdapterNotFound
}
