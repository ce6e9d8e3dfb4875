package runner

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

func TestPickPortInRange(t *testing.T) {
	p, err := pickPortInRange("127.0.0.1", 17000, 17999)
	if err != nil {
		t.Fatalf("pickPortInRange: %v", err)
	}
	if p < 17000 || p > 17999 {
		t.Fatalf("port %d outside range", p)
	}
}

func TestPickPortSkipsBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	p, err := pickPortInRange("127.0.0.1", busy, busy+20)
	if err != nil {
		t.Fatalf("pickPortInRange: %v", err)
	}
	if p == busy {
		t.Fatalf("picked busy port %d", p)
	}
}

func TestPickPortExhausted(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port
	if _, err := pickPortInRange("127.0.0.1", busy, busy); err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestProcessRunnerRejectsUninstalledEngine(t *testing.T) {
	r := NewProcessRunner(zerolog.Nop(), 17000, 17999, time.Second)
	rec := types.EngineRecord{
		VariantID: "xtts:local",
		Name:      "xtts",
		Path:      t.TempDir(),
		Installed: false,
	}
	if _, err := r.Start(context.Background(), rec); err == nil {
		t.Fatal("expected error for uninstalled engine")
	}
	rec.Path = ""
	rec.Installed = true
	if _, err := r.Start(context.Background(), rec); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestProcessRunnerStopIsNoOpWhenStopped(t *testing.T) {
	r := NewProcessRunner(zerolog.Nop(), 17000, 17999, time.Second)
	v := types.MustParseVariant("xtts:local")
	if err := r.Stop(context.Background(), v); err != nil {
		t.Fatalf("Stop on stopped variant: %v", err)
	}
	if r.IsRunning(v) {
		t.Fatal("IsRunning should be false")
	}
	if _, ok := r.Endpoint(v); ok {
		t.Fatal("Endpoint should be absent")
	}
}

func TestProcessRunnerStartFailsFastOnBrokenEntry(t *testing.T) {
	// venv/bin/python does not exist, so cmd.Start fails immediately
	r := NewProcessRunner(zerolog.Nop(), 17000, 17999, 5*time.Second)
	rec := types.EngineRecord{
		VariantID: "xtts:local",
		Name:      "xtts",
		Path:      t.TempDir(),
		Installed: true,
	}
	start := time.Now()
	_, err := r.Start(context.Background(), rec)
	if err == nil {
		t.Fatal("expected start failure")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("start should fail fast, took %v", elapsed)
	}
	if r.IsRunning(types.MustParseVariant("xtts:local")) {
		t.Fatal("failed start must not leave the variant tracked")
	}
}

func TestProcessRunnerStopReapsThroughSingleWait(t *testing.T) {
	r := NewProcessRunner(zerolog.Nop(), 17000, 17999, time.Second)
	v := types.MustParseVariant("xtts:local")

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	p := &proc{cmd: cmd, baseURL: "http://127.0.0.1:1", pid: cmd.Process.Pid, waitCh: make(chan error, 1)}
	go func() { p.waitCh <- cmd.Wait() }()
	r.mu.Lock()
	r.procs[v.String()] = p
	r.mu.Unlock()

	start := time.Now()
	if err := r.Stop(context.Background(), v); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("SIGTERM should reap promptly, took %v", elapsed)
	}
	// the one cmd.Wait call observed the exit
	if cmd.ProcessState == nil {
		t.Fatal("process was not reaped through cmd.Wait")
	}
	if r.IsRunning(v) {
		t.Fatal("variant still tracked after stop")
	}
}

func TestStartTimeoutErrorMessage(t *testing.T) {
	err := &StartTimeoutError{VariantID: "xtts:local"}
	if err.Error() == "" {
		t.Fatal("empty message")
	}
	withDetail := &StartTimeoutError{VariantID: "xtts:local", Detail: "exited early"}
	if want := fmt.Sprintf("engine %s did not become healthy: exited early", "xtts:local"); withDetail.Error() != want {
		t.Fatalf("got %q, want %q", withDetail.Error(), want)
	}
}
