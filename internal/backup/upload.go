package backup

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/barryq93/dbwatch/internal/types"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 30 * time.Second

// SFTPUploader copies backups to a remote directory over SFTP.
type SFTPUploader struct {
	addr      string
	remoteDir string
	config    *ssh.ClientConfig
}

func NewSFTPUploader(cfg types.SFTP) (*SFTPUploader, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp: key_file or password is required")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return &SFTPUploader{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		remoteDir: cfg.RemoteDir,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         dialTimeout,
		},
	}, nil
}

func (u *SFTPUploader) Upload(ctx context.Context, localPath string) error {
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", u.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, u.addr, u.config)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	if u.remoteDir != "" {
		if err := sftpClient.MkdirAll(u.remoteDir); err != nil {
			return fmt.Errorf("create remote directory: %w", err)
		}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	remote := path.Join(u.remoteDir, filepath.Base(localPath))
	dst, err := sftpClient.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	return nil
}
