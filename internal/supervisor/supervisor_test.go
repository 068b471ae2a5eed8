package supervisor

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/valknarthing/universal-mcp/internal/config"
)

func catSpec() config.ServerSpec {
	return config.ServerSpec{
		Name:      "cat",
		Transport: config.TransportStdio,
		Command:   "cat",
	}
}

func TestStart_EchoesStdinToStdout(t *testing.T) {
	s, err := Start(context.Background(), catSpec())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	w, r := s.Stdio()
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "hello\n" {
		t.Errorf("got %q, want %q", line, "hello\n")
	}
}

func TestStop_ReapsWithoutLeakingGoroutine(t *testing.T) {
	s, err := Start(context.Background(), catSpec())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop(time.Second)

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() to be closed after Stop")
	}
}

func TestWait_ReportsUnexpectedExit(t *testing.T) {
	spec := catSpec()
	spec.Command = "false" // exits immediately with a non-zero status
	s, err := Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	reason, _ := s.Wait()
	if reason != ExitUnexpected {
		t.Errorf("got %v, want ExitUnexpected", reason)
	}
}

func TestStart_UnknownCommand(t *testing.T) {
	spec := catSpec()
	spec.Command = "/no/such/binary-xyz"
	_, err := Start(context.Background(), spec)
	if err == nil {
		t.Fatal("expected an error for an unstartable command")
	}
}

func TestStart_RejectsNonStdioTransport(t *testing.T) {
	spec := config.ServerSpec{Name: "s", Transport: config.TransportHTTP, Endpoint: "http://x"}
	_, err := Start(context.Background(), spec)
	if err == nil {
		t.Fatal("expected an error for a non-stdio transport")
	}
}
