package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	ErrConnect  = errors.New("connection failed")
	ErrAuth     = errors.New("authentication failed")
	ErrHostKey  = errors.New("host key verification failed")
	ErrNotFound = errors.New("remote file not found")
	ErrRemote   = errors.New("remote error")
)

const defaultTimeout = 10 * time.Second

// Endpoint holds everything needed to open an SSH connection.
type Endpoint struct {
	Protocol        string // "scp" or "sftp"
	Address         string
	Port            int
	User            string
	Password        string
	KeyPaths        []string
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

// SSHTransport moves files over one SSH connection, using the scp protocol or
// an sftp subsystem depending on the endpoint protocol.
type SSHTransport struct {
	client   *ssh.Client
	endpoint Endpoint

	mu   sync.Mutex
	sftp *sftp.Client
}

func NewSSHTransport(ctx context.Context, ep Endpoint) (*SSHTransport, error) {
	auth, err := authMethods(ep)
	if err != nil {
		return nil, err
	}

	var hostKeyErr error
	callback := ep.HostKeyCallback
	if callback == nil {
		callback = ssh.InsecureIgnoreHostKey()
	}
	timeout := ep.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	sshConfig := &ssh.ClientConfig{
		User: ep.User,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = callback(hostname, remote, key)
			return hostKeyErr
		},
		Timeout: timeout,
	}

	addr := ep.Addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		switch {
		case hostKeyErr != nil:
			return nil, fmt.Errorf("%w: %s: %w", ErrHostKey, addr, hostKeyErr)
		case strings.Contains(err.Error(), "unable to authenticate"):
			return nil, fmt.Errorf("%w: %s@%s: %w", ErrAuth, ep.User, addr, err)
		default:
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
		}
	}

	return &SSHTransport{client: ssh.NewClient(c, chans, reqs), endpoint: ep}, nil
}

func authMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var signers []ssh.Signer
	for _, p := range ep.KeyPaths {
		key, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: read ssh key: %w", ErrAuth, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: parse ssh key %s: %w", ErrAuth, p, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if ep.Password != "" {
		password := ep.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

func (t *SSHTransport) Protocol() string { return t.endpoint.Protocol }

func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.sftp != nil {
		errs = append(errs, t.sftp.Close())
		t.sftp = nil
	}
	if t.client != nil {
		errs = append(errs, t.client.Close())
		t.client = nil
	}
	return errors.Join(errs...)
}

func (t *SSHTransport) Upload(ctx context.Context, src io.Reader, size int64, mode fs.FileMode, remotePath string) error {
	if t.endpoint.Protocol == "sftp" {
		return t.sftpUpload(src, mode, remotePath)
	}
	return t.scpUpload(src, size, mode, remotePath)
}

func (t *SSHTransport) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	if t.endpoint.Protocol == "sftp" {
		return t.sftpDownload(remotePath, dst)
	}
	return t.scpDownload(remotePath, dst)
}

// --- scp ---

// scpUpload runs `scp -t` (sink mode) on the remote side and feeds it one file.
func (t *SSHTransport) scpUpload(src io.Reader, size int64, mode fs.FileMode, remotePath string) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: new session: %w", ErrRemote, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := session.Start("scp -t " + shellQuote(remotePath)); err != nil {
		return fmt.Errorf("%w: start scp: %w", ErrRemote, err)
	}
	r := bufio.NewReader(stdout)

	if err := readAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(stdin, "C%04o %d %s\n", mode.Perm(), size, path.Base(remotePath)); err != nil {
		return fmt.Errorf("%w: send scp header: %w", ErrRemote, err)
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := io.CopyN(stdin, src, size); err != nil {
		return fmt.Errorf("send %s: %w", remotePath, err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: send scp status: %w", ErrRemote, err)
	}
	if err := readAck(r); err != nil {
		return err
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("%w: scp: %w", ErrRemote, err)
	}
	return nil
}

// scpDownload runs `scp -f` (source mode) on the remote side and reads one file.
func (t *SSHTransport) scpDownload(remotePath string, dst io.Writer) (int64, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("%w: new session: %w", ErrRemote, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return 0, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := session.Start("scp -f " + shellQuote(remotePath)); err != nil {
		return 0, fmt.Errorf("%w: start scp: %w", ErrRemote, err)
	}
	r := bufio.NewReader(stdout)

	if _, err := stdin.Write([]byte{0}); err != nil {
		return 0, fmt.Errorf("%w: send scp status: %w", ErrRemote, err)
	}

	var size int64
	for {
		line, err := readControl(r)
		if err != nil {
			return 0, err
		}
		if strings.HasPrefix(line, "T") {
			// modification times, only sent with -p
			if _, err := stdin.Write([]byte{0}); err != nil {
				return 0, fmt.Errorf("%w: ack scp times: %w", ErrRemote, err)
			}
			continue
		}
		if !strings.HasPrefix(line, "C") {
			return 0, fmt.Errorf("%w: unexpected scp header %q", ErrRemote, line)
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return 0, fmt.Errorf("%w: malformed scp header %q", ErrRemote, line)
		}
		size, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil || size < 0 {
			return 0, fmt.Errorf("%w: bad size in scp header %q", ErrRemote, line)
		}
		break
	}

	if _, err := stdin.Write([]byte{0}); err != nil {
		return 0, fmt.Errorf("%w: send scp status: %w", ErrRemote, err)
	}
	n, err := io.CopyN(dst, r, size)
	if err != nil {
		return n, fmt.Errorf("receive %s: %w", remotePath, err)
	}
	if err := readAck(r); err != nil {
		return n, err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return n, fmt.Errorf("%w: send scp status: %w", ErrRemote, err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return n, fmt.Errorf("%w: scp: %w", ErrRemote, err)
	}
	return n, nil
}

// readAck reads one scp status byte; 1 and 2 carry an error message.
func readAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: read scp status: %w", ErrRemote, err)
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return scpError(b, msg)
}

// readControl reads a control line, turning status bytes 1 and 2 into errors.
func readControl(r *bufio.Reader) (string, error) {
	b, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("%w: read scp header: %w", ErrRemote, err)
	}
	rest, err := r.ReadString('\n')
	if b == 1 || b == 2 {
		return "", scpError(b, rest)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read scp header: %w", ErrRemote, err)
	}
	return string(b) + strings.TrimSuffix(rest, "\n"), nil
}

func scpError(code byte, msg string) error {
	msg = strings.TrimSpace(msg)
	if strings.Contains(msg, "No such file or directory") {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("%w: scp status %d: %s", ErrRemote, code, msg)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// --- sftp ---

func (t *SSHTransport) sftpClient() (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sftp != nil {
		return t.sftp, nil
	}
	c, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, fmt.Errorf("%w: start sftp: %w", ErrRemote, err)
	}
	t.sftp = c
	return c, nil
}

func (t *SSHTransport) sftpUpload(src io.Reader, mode fs.FileMode, remotePath string) error {
	c, err := t.sftpClient()
	if err != nil {
		return err
	}
	f, err := c.Create(remotePath)
	if err != nil {
		return sftpError(remotePath, err)
	}
	if _, err := f.ReadFrom(src); err != nil {
		f.Close()
		return fmt.Errorf("send %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return sftpError(remotePath, err)
	}
	if err := c.Chmod(remotePath, mode.Perm()); err != nil {
		return sftpError(remotePath, err)
	}
	return nil
}

func (t *SSHTransport) sftpDownload(remotePath string, dst io.Writer) (int64, error) {
	c, err := t.sftpClient()
	if err != nil {
		return 0, err
	}
	f, err := c.Open(remotePath)
	if err != nil {
		return 0, sftpError(remotePath, err)
	}
	defer f.Close()

	n, err := f.WriteTo(dst)
	if err != nil {
		return n, fmt.Errorf("receive %s: %w", remotePath, err)
	}
	return n, nil
}

func sftpError(remotePath string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
	}
	return fmt.Errorf("%w: %s: %w", ErrRemote, remotePath, err)
}
