// Package transfer moves a completed export file to a remote host over SSH
// using the SCP wire protocol.
package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/models"
)

const dialTimeout = 15 * time.Second

// Target describes where a local file should land.
type Target struct {
	RemoteDir  string
	RemoteName string
}

// Upload connects to identity's host, ensures RemoteDir exists, copies
// localPath into it over SCP, and verifies the transferred byte count
// matches the local file before returning. It classifies failures into
// SSH_AUTH, SSH_CONNECT, and SSH_TRANSFER per the taxonomy the dispatcher
// writes to a job's error_message.
func Upload(ctx context.Context, identity models.SSHIdentity, localPath string, target Target) error {
	client, err := dial(identity)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := mkdirP(client, target.RemoteDir); err != nil {
		return err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return jobserr.New(jobserr.SSHTransfer, "stat local export file", err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return jobserr.New(jobserr.SSHTransfer, "open local export file", err)
	}
	defer f.Close()

	done := make(chan error, 1)
	go func() { done <- scpCopy(client, f, info, target) }()

	select {
	case <-ctx.Done():
		client.Close()
		return jobserr.New(jobserr.Canceled, "transfer canceled", ctx.Err())
	case err := <-done:
		if err != nil {
			return err
		}
	}

	return verifyRemoteSize(client, path.Join(target.RemoteDir, target.RemoteName), info.Size())
}

func dial(identity models.SSHIdentity) (*ssh.Client, error) {
	auths, err := authMethods(identity)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            identity.Username,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	port := identity.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", identity.Host, port)

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		if isAuthErr(err) {
			return nil, jobserr.New(jobserr.SSHAuth, "ssh authentication failed", err)
		}
		return nil, jobserr.New(jobserr.SSHConnect, "ssh dial failed", err)
	}
	return client, nil
}

func authMethods(identity models.SSHIdentity) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if identity.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if identity.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(identity.PrivateKey), []byte(identity.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(identity.PrivateKey))
		}
		if err != nil {
			return nil, jobserr.New(jobserr.SSHAuth, "parse private key", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if identity.Password != "" {
		methods = append(methods, ssh.Password(identity.Password))
	}
	if len(methods) == 0 {
		return nil, jobserr.New(jobserr.SSHAuth, "no usable ssh credentials configured", nil)
	}
	return methods, nil
}

func isAuthErr(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// mkdirP creates dir on the remote host, tolerating "already exists"; a
// permission error is fatal per the transfer contract.
func mkdirP(client *ssh.Client, dir string) error {
	session, err := client.NewSession()
	if err != nil {
		return jobserr.New(jobserr.SSHConnect, "open session for mkdir", err)
	}
	defer session.Close()

	var stderr strings.Builder
	session.Stderr = &stderr
	cmd := fmt.Sprintf("mkdir -p %s", shellQuote(dir))
	if err := session.Run(cmd); err != nil {
		return jobserr.New(jobserr.SSHTransfer, fmt.Sprintf("mkdir -p failed: %s", strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

// scpCopy speaks the classic `scp -t <dir>` protocol over session's stdin:
// a "C<mode> <size> <name>" header, the raw file bytes, then a trailing NUL,
// with a zero-byte ack expected from the remote after each step.
func scpCopy(client *ssh.Client, f *os.File, info os.FileInfo, target Target) (err error) {
	session, err := client.NewSession()
	if err != nil {
		return jobserr.New(jobserr.SSHConnect, "open session for scp", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return jobserr.New(jobserr.SSHConnect, "open scp stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return jobserr.New(jobserr.SSHConnect, "open scp stdout pipe", err)
	}

	if err := session.Start(fmt.Sprintf("scp -t %s", shellQuote(target.RemoteDir))); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "start remote scp -t", err)
	}

	reader := bufio.NewReader(stdout)
	if err := scpAck(reader); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "scp handshake failed", err)
	}

	mode := "0644"
	header := fmt.Sprintf("C%s %d %s\n", mode, info.Size(), target.RemoteName)
	if _, err := io.WriteString(stdin, header); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "write scp header", err)
	}
	if err := scpAck(reader); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "scp header rejected", err)
	}

	if _, err := io.Copy(stdin, f); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "write scp file body", err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "write scp trailer", err)
	}
	if err := scpAck(reader); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "scp file rejected", err)
	}

	if err := stdin.Close(); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "close scp stdin", err)
	}
	if err := session.Wait(); err != nil {
		return jobserr.New(jobserr.SSHTransfer, "remote scp exited with error", err)
	}
	return nil
}

// scpAck reads one status byte: 0 is success, anything else is an error
// whose message follows on the same line.
func scpAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	line, _ := r.ReadString('\n')
	return fmt.Errorf("scp error (code %d): %s", code, strings.TrimSpace(line))
}

// verifyRemoteSize runs `stat -c %s`, falling back to `wc -c` on hosts
// whose stat doesn't support GNU-style format flags, and compares the
// result against the local file's size.
func verifyRemoteSize(client *ssh.Client, remotePath string, wantSize int64) error {
	got, err := remoteFileSize(client, fmt.Sprintf("stat -c %%s %s", shellQuote(remotePath)))
	if err != nil {
		got, err = remoteFileSize(client, fmt.Sprintf("wc -c < %s", shellQuote(remotePath)))
	}
	if err != nil {
		return jobserr.New(jobserr.SSHTransfer, "verify remote file size", err)
	}
	if got != wantSize {
		return jobserr.New(jobserr.SSHTransfer, fmt.Sprintf("remote size %d does not match local size %d", got, wantSize), nil)
	}
	return nil
}

func remoteFileSize(client *ssh.Client, cmd string) (int64, error) {
	session, err := client.NewSession()
	if err != nil {
		return 0, err
	}
	defer session.Close()

	out, err := session.Output(cmd)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
