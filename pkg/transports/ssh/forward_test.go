package ssh

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"

	"github.com/openfroyo/devlink/pkg/remoteerr"
	"github.com/openfroyo/devlink/pkg/transports/ssh/sshtest"
)

func TestForwardOut(t *testing.T) {
	client, srv := connectedClient(t, sshtest.Options{
		ForwardDial: func(host string, port int) (net.Conn, error) {
			local, remote := net.Pipe()
			go func() {
				defer remote.Close()
				line, err := bufio.NewReader(remote).ReadString('\n')
				if err != nil {
					return
				}
				_, _ = io.WriteString(remote, "echo: "+line)
			}()
			return local, nil
		},
	}, nil)

	stream, err := client.ForwardOut(context.Background(), "127.0.0.1", 0, "localhost", 7070)
	if err != nil {
		t.Fatalf("failed to forward: %v", err)
	}
	defer stream.Close()

	if _, err := io.WriteString(stream, "hi\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	line, err := bufio.NewReader(stream).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if line != "echo: hi\n" {
		t.Errorf("unexpected reply %q", line)
	}

	forwards := srv.Forwards()
	if len(forwards) != 1 {
		t.Fatalf("expected 1 forward request, got %d", len(forwards))
	}
	if forwards[0].DestAddr != "localhost" || forwards[0].DestPort != 7070 {
		t.Errorf("expected remote dial to localhost:7070, got %s:%d", forwards[0].DestAddr, forwards[0].DestPort)
	}
	if forwards[0].OrigAddr != "127.0.0.1" || forwards[0].OrigPort != 0 {
		t.Errorf("unexpected originator %s:%d", forwards[0].OrigAddr, forwards[0].OrigPort)
	}
}

func TestForwardOutRefused(t *testing.T) {
	client, _ := connectedClient(t, sshtest.Options{RejectForward: true}, nil)

	_, err := client.ForwardOut(context.Background(), "127.0.0.1", 0, "localhost", 7070)
	if err == nil {
		t.Fatal("expected forward to be refused")
	}
	if remoteerr.KindOf(err) != remoteerr.KindForward {
		t.Errorf("expected forward error, got %v", err)
	}
	if !client.IsConnected() {
		t.Error("a refused forward must not drop the connection")
	}
}
