package hostenv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// fakeRunner returns canned output keyed by command name.
type fakeRunner struct {
	out   map[string]string
	fail  map[string]bool
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	if f.fail[name] {
		return nil, errors.New("exit status 1")
	}
	return []byte(f.out[name]), nil
}

func testEnv(goos string, r Runner) *Env {
	return &Env{
		runner: r,
		goos:   goos,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

const ipconfigOutput = "\r\n" +
	"Windows IP Configuration\r\n" +
	"\r\n" +
	"\r\n" +
	"Ethernet adapter Ethernet:\r\n" +
	"\r\n" +
	"   Connection-specific DNS Suffix  . : lan\r\n" +
	"   IPv4 Address. . . . . . . . . . . : 192.168.1.20\r\n" +
	"   Subnet Mask . . . . . . . . . . . : 255.255.255.0\r\n" +
	"\r\n" +
	"Ethernet adapter vEthernet (WSL (Hyper-V firewall)):\r\n" +
	"\r\n" +
	"   Connection-specific DNS Suffix  . :\r\n" +
	"   Link-local IPv6 Address . . . . . : fe80::1234:5678:9abc:def0%42\r\n" +
	"   IPv4 Address. . . . . . . . . . . : 172.20.160.1\r\n" +
	"   Subnet Mask . . . . . . . . . . . : 255.255.240.0\r\n"

func TestCheckEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		goos    string
		wslFail bool
		wantErr bool
	}{
		{"windows with wsl", "windows", false, false},
		{"windows without wsl", "windows", true, true},
		{"linux", "linux", false, true},
		{"darwin", "darwin", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{fail: map[string]bool{"wsl": tt.wslFail}}
			err := testEnv(tt.goos, r).CheckEnvironment(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckEnvironment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedHost) {
				t.Errorf("error = %v, want ErrUnsupportedHost", err)
			}
		})
	}
}

func TestCheckEnvironment_RunsWSLStatus(t *testing.T) {
	r := &fakeRunner{}
	if err := testEnv("windows", r).CheckEnvironment(context.Background()); err != nil {
		t.Fatalf("CheckEnvironment() error = %v", err)
	}
	if len(r.calls) != 1 || r.calls[0] != "wsl --status" {
		t.Errorf("calls = %q, want [wsl --status]", r.calls)
	}
}

func TestResolveAdapterIP(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"ipconfig": ipconfigOutput}}
	ip, err := testEnv("windows", r).ResolveAdapterIP(context.Background())
	if err != nil {
		t.Fatalf("ResolveAdapterIP() error = %v", err)
	}
	if ip != "172.20.160.1" {
		t.Errorf("ip = %q, want %q", ip, "172.20.160.1")
	}
}

func TestResolveAdapterIP_CommandFails(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"ipconfig": true}}
	if _, err := testEnv("windows", r).ResolveAdapterIP(context.Background()); err == nil {
		t.Fatal("expected error when ipconfig fails")
	}
}

func TestParseIPConfig(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr error
	}{
		{
			name: "preferred suffix",
			out: "Ethernet adapter vEthernet (WSL):\n" +
				"   IPv4 Address. . . . . . . . . . . : 172.28.80.1(Preferred)\n",
			want: "172.28.80.1",
		},
		{
			name: "localized label",
			out: "以太网适配器 vEthernet (WSL):\n" +
				"   IPv4 地址 . . . . . . . . . . . . : 172.31.0.1\n",
			want: "172.31.0.1",
		},
		{
			name: "no wsl adapter",
			out: "Ethernet adapter Ethernet:\n" +
				"   IPv4 Address. . . . . . . . . . . : 192.168.1.20\n",
			wantErr: ErrAdapterNotFound,
		},
		{
			name: "wsl adapter without ipv4",
			out: "Ethernet adapter vEthernet (WSL):\n" +
				"   Media State . . . . . . . . . . . : Media disconnected\n" +
				"Ethernet adapter Ethernet:\n" +
				"   IPv4 Address. . . . . . . . . . . : 192.168.1.20\n",
			wantErr: ErrAdapterNotFound,
		},
		{
			name:    "vEthernet without wsl",
			out:     "Ethernet adapter vEthernet (Default Switch):\n   IPv4 Address. . . : 172.17.0.1\n",
			wantErr: ErrAdapterNotFound,
		},
		{
			name:    "empty",
			out:     "",
			wantErr: ErrAdapterNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIPConfig([]byte(tt.out))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("parseIPConfig() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseIPConfig() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseIPConfig() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseIPConfig_BadAddress(t *testing.T) {
	out := "Ethernet adapter vEthernet (WSL):\n   IPv4 Address. . . : not-an-ip\n"
	_, err := parseIPConfig([]byte(out))
	if err == nil {
		t.Fatal("expected error for unparseable address")
	}
	if errors.Is(err, ErrAdapterNotFound) {
		t.Errorf("error = %v, want a parse error", err)
	}
}

const netstatOutput = "\r\n" +
	"Active Connections\r\n" +
	"\r\n" +
	"  Proto  Local Address          Foreign Address        State           PID\r\n" +
	"  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       1100\r\n" +
	"  TCP    127.0.0.1:23119        0.0.0.0:0              LISTENING       4242\r\n" +
	"  TCP    172.20.160.1:23119     172.20.170.5:50000     ESTABLISHED     777\r\n" +
	"  TCP    172.20.160.1:8080      0.0.0.0:0              LISTENING       888\r\n"

func TestCheckPort(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		tasklist string
		failTask bool
		wantErr  string
	}{
		{
			name:    "free",
			host:    "172.20.160.1",
			wantErr: "",
		},
		{
			name:     "used by named process",
			host:     "127.0.0.1",
			tasklist: "\"zotero.exe\",\"4242\",\"Console\",\"1\",\"312,440 K\"\r\n",
			wantErr:  "port 127.0.0.1:23119 is already used by 'zotero.exe'",
		},
		{
			name:     "used by unknown process",
			host:     "127.0.0.1",
			tasklist: "INFO: No tasks are running which match the specified criteria.\r\n",
			wantErr:  "port 127.0.0.1:23119 is already in use",
		},
		{
			name:     "tasklist fails",
			host:     "127.0.0.1",
			failTask: true,
			wantErr:  "port 127.0.0.1:23119 is already in use",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{
				out:  map[string]string{"netstat": netstatOutput, "tasklist": tt.tasklist},
				fail: map[string]bool{"tasklist": tt.failTask},
			}
			err := testEnv("windows", r).CheckPort(context.Background(), tt.host, 23119)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckPort() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrPortInUse) {
				t.Fatalf("CheckPort() error = %v, want ErrPortInUse", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCheckPort_TasklistQuery(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"netstat": netstatOutput}}
	_ = testEnv("windows", r).CheckPort(context.Background(), "127.0.0.1", 23119)

	want := []string{"netstat -ano -p TCP", "tasklist /FI PID eq 4242 /FO CSV /NH"}
	if len(r.calls) != len(want) {
		t.Fatalf("calls = %q, want %q", r.calls, want)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, r.calls[i], want[i])
		}
	}
}

func TestCheckPort_NetstatUnavailable(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"netstat": true}}
	if err := testEnv("linux", r).CheckPort(context.Background(), "127.0.0.1", 23119); err != nil {
		t.Errorf("CheckPort() error = %v, want nil when netstat is unavailable", err)
	}
}

func TestHostname(t *testing.T) {
	h := Hostname()
	if h == "" {
		t.Fatal("Hostname() returned empty string")
	}
	if h != strings.ToLower(h) {
		t.Errorf("Hostname() = %q, want lower case", h)
	}
}
