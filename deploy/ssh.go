package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/certmate/certmate/models"
)

const sshDialTimeout = 10 * time.Second

func init() {
	Register(&SSH{})
}

// SSH uploads certificate material over SFTP and runs the reload command on
// the remote host.
type SSH struct{}

func (s *SSH) Name() string { return "ssh" }

func sshConfig(dep models.Deployment) (*ssh.ClientConfig, error) {
	if dep.KeyFile == "" {
		return nil, fmt.Errorf("ssh deployment %s has no key file", dep.URI)
	}
	keyData, err := os.ReadFile(dep.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read ssh key file")
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse ssh key file")
	}

	user := dep.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}, nil
}

func (s *SSH) dial(dep models.Deployment) (*ssh.Client, *sftp.Client, error) {
	cfg, err := sshConfig(dep)
	if err != nil {
		return nil, nil, err
	}
	port := dep.Port
	if port == 0 {
		port = 22
	}
	conn, err := ssh.Dial("tcp", net.JoinHostPort(dep.Host, fmt.Sprintf("%d", port)), cfg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to connect to %s", dep.Host)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "unable to open sftp session")
	}
	return conn, client, nil
}

// ShouldSkip compares the remote certificate serial with the local one.
func (s *SSH) ShouldSkip(_ context.Context, cert *models.Cert, dep models.Deployment) (bool, error) {
	conn, client, err := s.dial(dep)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	defer client.Close()

	remote, err := client.Open(dep.CertFile)
	if err != nil {
		return false, nil
	}
	defer remote.Close()

	data, err := io.ReadAll(remote)
	if err != nil {
		return false, err
	}
	remoteSerial, err := certSerial(data)
	if err != nil {
		return false, nil
	}
	wantSerial, err := certSerial([]byte(cert.Certificate))
	if err != nil {
		return false, err
	}
	return remoteSerial == wantSerial, nil
}

func sftpWrite(client *sftp.Client, remotePath string, data []byte, mode os.FileMode) error {
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return errors.Wrapf(err, "unable to create remote directory %s", dir)
		}
	}
	file, err := client.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "unable to create remote file %s", remotePath)
	}
	defer file.Close()

	if _, err := io.Copy(file, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "unable to write remote file %s", remotePath)
	}
	return client.Chmod(remotePath, mode)
}

func (s *SSH) Exec(ctx context.Context, cert *models.Cert, dep models.Deployment) (*Result, error) {
	skip, err := s.ShouldSkip(ctx, cert, dep)
	if err != nil {
		return nil, err
	}
	if skip {
		return &Result{URI: dep.URI, Skipped: true}, nil
	}

	conn, client, err := s.dial(dep)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer client.Close()

	if err := sftpWrite(client, dep.CertFile, []byte(cert.Certificate), 0640); err != nil {
		return nil, err
	}
	if dep.CertKey != "" {
		if err := sftpWrite(client, dep.CertKey, []byte(cert.PrivateKey), 0600); err != nil {
			return nil, err
		}
	}

	result := &Result{URI: dep.URI}
	if dep.ReloadCmd != "" {
		session, err := conn.NewSession()
		if err != nil {
			return result, errors.Wrap(err, "unable to open ssh session")
		}
		defer session.Close()

		out, err := session.CombinedOutput(dep.ReloadCmd)
		result.Output = string(bytes.TrimSpace(out))
		if err != nil {
			return result, errors.Wrapf(err, "reload command failed: %s", result.Output)
		}
	}
	return result, nil
}
