package transfer

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/models"
)

// fakeSCPServer accepts one SSH connection and implements just enough of
// mkdir -p / scp -t / stat -c %s for Upload's exercise of the protocol.
type fakeSCPServer struct {
	addr    string
	dir     string
	rejectAuth bool
}

func startFakeSCPServer(t *testing.T, dir string) *fakeSCPServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}

	srv := &fakeSCPServer{dir: dir}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if srv.rejectAuth || string(password) != "s3cret" {
				return nil, fmt.Errorf("denied")
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.addr = listener.Addr().String()

	go func() {
		nConn, err := listener.Accept()
		if err != nil {
			return
		}
		conn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
		if err != nil {
			return
		}
		defer conn.Close()
		go ssh.DiscardRequests(reqs)
		for newChan := range chans {
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "unsupported")
				continue
			}
			channel, requests, err := newChan.Accept()
			if err != nil {
				return
			}
			go srv.handleSession(channel, requests)
		}
	}()

	return srv
}

func (s *fakeSCPServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		cmd := string(req.Payload[4:])
		req.Reply(true, nil)
		s.runCommand(channel, cmd)
		return
	}
}

func (s *fakeSCPServer) runCommand(channel ssh.Channel, cmd string) {
	defer sendExitStatus(channel, 0)

	switch {
	case strings.HasPrefix(cmd, "mkdir -p "):
		target := strings.Trim(strings.TrimPrefix(cmd, "mkdir -p "), "'")
		os.MkdirAll(target, 0o755)
	case strings.HasPrefix(cmd, "scp -t "):
		s.receiveSCP(channel)
	case strings.HasPrefix(cmd, "stat -c %s "):
		target := strings.Trim(strings.TrimPrefix(cmd, "stat -c %s "), "'")
		info, err := os.Stat(target)
		if err != nil {
			fmt.Fprintf(channel, "0\n")
			return
		}
		fmt.Fprintf(channel, "%d\n", info.Size())
	}
}

func (s *fakeSCPServer) receiveSCP(channel ssh.Channel) {
	channel.Write([]byte{0})
	reader := bufio.NewReader(channel)

	header, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	// header is "C<mode> <size> <name>\n"
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSuffix(header, "\n"), "C"))
	if len(parts) != 3 {
		return
	}
	var size int64
	fmt.Sscanf(parts[1], "%d", &size)
	name := parts[2]
	channel.Write([]byte{0})

	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return
	}
	defer dst.Close()
	io.CopyN(dst, reader, size)
	trailer := make([]byte, 1)
	reader.Read(trailer)
	channel.Write([]byte{0})

	// Like a real scp -t, keep reading until the client closes stdin, so the
	// channel is not torn down before the client sends its EOF.
	io.Copy(io.Discard, reader)
}

func sendExitStatus(channel ssh.Channel, code uint32) {
	payload := ssh.Marshal(struct{ Status uint32 }{code})
	channel.SendRequest("exit-status", false, payload)
}

func TestUploadSucceedsAgainstFakeSCPServer(t *testing.T) {
	remoteDir := t.TempDir()
	srv := startFakeSCPServer(t, remoteDir)

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "export.csv")
	content := []byte("id,name\n1,alice\n")
	if err := os.WriteFile(localPath, content, 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	host, port := splitHostPort(t, srv.addr)
	identity := models.SSHIdentity{Host: host, Port: port, Username: "tester", Password: "s3cret"}

	err := Upload(context.Background(), identity, localPath, Target{RemoteDir: remoteDir, RemoteName: "export.csv"})
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(remoteDir, "export.csv"))
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("uploaded content mismatch: got %q want %q", got, content)
	}
}

func TestUploadClassifiesBadPasswordAsAuthFailure(t *testing.T) {
	remoteDir := t.TempDir()
	srv := startFakeSCPServer(t, remoteDir)

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "export.csv")
	os.WriteFile(localPath, []byte("x"), 0o644)

	host, port := splitHostPort(t, srv.addr)
	identity := models.SSHIdentity{Host: host, Port: port, Username: "tester", Password: "wrong"}

	err := Upload(context.Background(), identity, localPath, Target{RemoteDir: remoteDir, RemoteName: "export.csv"})
	if jobserr.Classify(err) != jobserr.SSHAuth {
		t.Fatalf("expected SSH_AUTH, got %v (%v)", jobserr.Classify(err), err)
	}
}

func TestUploadRejectsMissingCredentials(t *testing.T) {
	identity := models.SSHIdentity{Host: "127.0.0.1", Port: 22, Username: "tester"}
	err := Upload(context.Background(), identity, "/nonexistent", Target{RemoteDir: "/tmp", RemoteName: "x"})
	if jobserr.Classify(err) != jobserr.SSHAuth {
		t.Fatalf("expected SSH_AUTH for no usable credentials, got %v", jobserr.Classify(err))
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
