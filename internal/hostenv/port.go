package hostenv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// CheckPort fails with ErrPortInUse when another process is already
// listening on host:port, naming the process when tasklist can tell.
// If netstat cannot be run the check is skipped; binding still fails fast.
func (e *Env) CheckPort(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	out, err := e.runner.Run(ctx, "netstat", "-ano", "-p", "TCP")
	if err != nil {
		e.logger.Debug("port check skipped", "err", err)
		return nil
	}
	pid, ok := findListener(out, addr)
	if !ok {
		return nil
	}

	if name := e.processName(ctx, pid); name != "" {
		return fmt.Errorf("%w: port %s is already used by '%s'", ErrPortInUse, addr, name)
	}
	return fmt.Errorf("%w: port %s is already in use", ErrPortInUse, addr)
}

// findListener scans netstat -ano output for a LISTENING row whose local
// address is addr and returns the owning PID.
//
//	Proto  Local Address          Foreign Address        State           PID
//	TCP    172.20.0.1:23119       0.0.0.0:0              LISTENING       4242
func findListener(out []byte, addr string) (int, bool) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if fields[1] != addr || fields[3] != "LISTENING" {
			continue
		}
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			continue
		}
		return pid, true
	}
	return 0, false
}

func (e *Env) processName(ctx context.Context, pid int) string {
	out, err := e.runner.Run(ctx, "tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/FO", "CSV", "/NH")
	if err != nil {
		e.logger.Debug("tasklist failed", "pid", pid, "err", err)
		return ""
	}
	return parseTasklist(out, pid)
}

// parseTasklist reads tasklist /FO CSV /NH output:
//
//	"zotero.exe","4242","Console","1","312,440 K"
func parseTasklist(out []byte, pid int) string {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return ""
	}
	want := strconv.Itoa(pid)
	for _, rec := range records {
		if len(rec) >= 2 && strings.TrimSpace(rec[1]) == want {
			return strings.TrimSpace(rec[0])
		}
	}
	return ""
}
