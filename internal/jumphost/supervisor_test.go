package jumphost

import (
	"testing"
	"time"

	"github.com/cloudflare/backoff"

	"github.com/portfan/portfan/internal/endpoint"
)

func TestArgsOrdering(t *testing.T) {
	cfg := Config{
		SSHD:            endpoint.Endpoint{Host: "jump.example.com", Port: 2222},
		TargetServer:    endpoint.Endpoint{Host: "backend.internal", Port: 5432},
		User:            "deploy",
		CredentialsFile: "/home/deploy/.ssh/id_ed25519",
		Compression:     true,
		Ciphers:         "aes256-gcm@openssh.com",
		SSHBinary:       "ssh",
	}
	got := cfg.Args(48200)
	want := []string{
		"-i", "/home/deploy/.ssh/id_ed25519",
		"-n", "-N",
		"-L", "48200:backend.internal:5432",
		"-l", "deploy",
		"-p", "2222",
		"-C",
		"-c", "aes256-gcm@openssh.com",
		"jump.example.com",
	}
	if len(got) != len(want) {
		t.Fatalf("Args() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Args()[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestArgsMinimal(t *testing.T) {
	cfg := Config{
		SSHD:         endpoint.Endpoint{Host: "jump.example.com", Port: endpoint.Unspecified},
		TargetServer: endpoint.Endpoint{Host: "backend.internal", Port: 80},
	}
	got := cfg.Args(9000)
	want := []string{"-n", "-N", "-L", "9000:backend.internal:80", "jump.example.com"}
	if len(got) != len(want) {
		t.Fatalf("Args() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Args()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestArgsOpenAllInterfaces(t *testing.T) {
	cfg := Config{
		SSHD:              endpoint.Endpoint{Host: "jump.example.com", Port: endpoint.Unspecified},
		TargetServer:      endpoint.Endpoint{Host: "backend.internal", Port: 80},
		OpenAllInterfaces: true,
	}
	got := cfg.Args(9000)
	want := []string{"-n", "-N", "-L", "*:9000:backend.internal:80", "jump.example.com"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Args()[%d] = %q, want %q (full %v)", i, got[i], want[i], got)
		}
	}
}

// TestRunUsesMaxThenIntervalArgumentOrder pins run's backoff construction:
// github.com/cloudflare/backoff.New(max, interval) takes the ceiling
// first and the per-attempt step second, the opposite order from
// (minBackoff, maxBackoff). Passing them backwards would saturate the
// backoff at minBackoff on the very first call (interval=maxBackoff
// already exceeds a 1s ceiling). Built NewWithoutJitter so the sequence
// is exact, matching what run() constructs.
func TestRunUsesMaxThenIntervalArgumentOrder(t *testing.T) {
	b := backoff.NewWithoutJitter(maxBackoff, minBackoff)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}
	for i, w := range want {
		if got := b.Duration(); got != w {
			t.Fatalf("Duration() call %d = %v, want %v", i, got, w)
		}
	}
}

func TestStateStringsAreStable(t *testing.T) {
	cases := map[State]string{
		Idle:     "idle",
		Starting: "starting",
		Running:  "running",
		Exited:   "exited",
		Stopped:  "stopped",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
