package testhelper

import (
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	sshPort        = 22
	sshUser        = "admin"
	defaultTimeout = 30 * time.Second
	scriptDir      = "/tmp"
)

// Function pointers that interact with the switch or the host.
// They enable unit testing of methods that interact with the switch or the host.
var (
	switchstackPrivateSSHKey = func(keyFile string) (string, error) {
		b, err := os.ReadFile(keyFile)
		return string(b), err
	}

	testhelperSSHDial = func(addr string, port int, config *ssh.ClientConfig) (*ssh.Client, error) {
		sshClient, err := ssh.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), config)
		if err != nil {
			return nil, WrapError(err, "failure to dial ssh")
		}
		return sshClient, nil
	}

	testhelperNewSSHSession = func(sshClient *ssh.Client) (*ssh.Session, error) {
		sshSession, err := sshClient.NewSession()
		if err != nil {
			return nil, WrapError(err, "failure to create ssh session")
		}
		return sshSession, nil
	}

	testhelperNewSFTPClient = func(sshClient *ssh.Client) (*sftp.Client, error) {
		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			return nil, WrapError(err, "failure to create sftp client")
		}
		return sftpClient, nil
	}

	testhelperCloseSSHClient = func(sshClient *ssh.Client) error {
		return sshClient.Close()
	}

	testhelperCloseSSHSession = func(sshSession *ssh.Session) error {
		return sshSession.Close()
	}

	testhelperCloseSFTPClient = func(sftpClient *sftp.Client) error {
		return sftpClient.Close()
	}

	testhelperOutputSSHSession = func(sshSession *ssh.Session, cmd string) ([]byte, error) {
		return sshSession.Output(cmd)
	}
)

// SSHConfig describes how to reach a device over SSH. Key authentication is
// used when KeyFile is set, password authentication when Password is set.
type SSHConfig struct {
	Addr     string        `yaml:"addr"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	KeyFile  string        `yaml:"key_file"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		privKey, err := switchstackPrivateSSHKey(c.KeyFile)
		if err != nil {
			return nil, WrapError(err, "failure to fetch ssh key")
		}
		signer, err := ssh.ParsePrivateKey([]byte(privKey))
		if err != nil {
			return nil, WrapError(err, "failure to parse ssh key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, WrapError(nil, "no ssh credentials for %v", c.Addr)
	}
	user, timeout := c.User, c.Timeout
	if user == "" {
		user = sshUser
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: customInsecureIgnoreHostKey,
		Timeout:         timeout,
	}, nil
}

// SSHManager provides two ssh objects: ssh.Session and sftp.Client.
type SSHManager struct {
	sshClient  *ssh.Client
	SSHSession *ssh.Session
	SFTPClient *sftp.Client
}

// NewSSHManager returns a new SSHManager, which contains two ssh objects that can help in ssh & scp.
func NewSSHManager(cfg SSHConfig) (*SSHManager, error) {
	manager := &SSHManager{}
	config, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = sshPort
	}
	if manager.sshClient, err = testhelperSSHDial(cfg.Addr, port, config); err != nil {
		return nil, err
	}
	if manager.SSHSession, err = testhelperNewSSHSession(manager.sshClient); err != nil {
		testhelperCloseSSHClient(manager.sshClient)
		return nil, err
	}
	if manager.SFTPClient, err = testhelperNewSFTPClient(manager.sshClient); err != nil {
		testhelperCloseSSHSession(manager.SSHSession)
		testhelperCloseSSHClient(manager.sshClient)
		return nil, err
	}

	return manager, nil
}

// Lab devices are reimaged often, so host keys are not pinned.
func customInsecureIgnoreHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return nil
}

// Close must be called to close the SSHManager.
func (s *SSHManager) Close() error {
	var err error
	if e := testhelperCloseSSHSession(s.SSHSession); e != nil {
		err = WrapError(e, "failure in closing ssh.Session")
	}
	if e := testhelperCloseSFTPClient(s.SFTPClient); e != nil {
		err = WrapError(e, "failure in closing sftp.Client")
	}
	if e := testhelperCloseSSHClient(s.sshClient); e != nil {
		err = WrapError(e, "failure in closing ssh.Client")
	}
	return err
}

// RunSSH runs a single SSH command on the device and returns its standard output.
// Handles the creation and closing of SSHManager, since the underlying SSHSession can only call one
// command.
func RunSSH(cfg SSHConfig, cmd string) (string, error) {
	m, err := NewSSHManager(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create ssh helper: %w", err)
	}
	defer m.Close()
	o, err := testhelperOutputSSHSession(m.SSHSession, cmd)
	if err != nil {
		return "", fmt.Errorf("failed to run command '%s', output='%s', error: %w", cmd, string(o), err)
	}
	return string(o[:]), nil
}

// RunScript copies a script to the device over SFTP, runs it with bash and
// removes it. It returns the script's standard output.
func RunScript(cfg SSHConfig, name string, body []byte) (string, error) {
	m, err := NewSSHManager(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create ssh helper: %w", err)
	}
	defer m.Close()

	remote := path.Join(scriptDir, path.Base(name))
	f, err := m.SFTPClient.Create(remote)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", remote, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", remote, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", remote, err)
	}
	defer m.SFTPClient.Remove(remote)

	cmd := "bash " + remote
	o, err := testhelperOutputSSHSession(m.SSHSession, cmd)
	if err != nil {
		return "", fmt.Errorf("failed to run script '%s', output='%s', error: %w", name, string(o), err)
	}
	return string(o), nil
}
