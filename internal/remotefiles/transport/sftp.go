// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// SFTPConfig configures the sftp Transport.
type SFTPConfig struct {
	Host       string
	Port       int
	Base       string
	Credential Credential
	// HostKeyCallback verifies the server's host key. A nil value means
	// host keys are not verified; cmd/cerised passes
	// ssh.InsecureIgnoreHostKey.
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
}

// SFTP is a Transport backed by github.com/pkg/sftp over an SSH
// connection, for compute resources reachable only via SSH.
type SFTP struct {
	cfg SFTPConfig

	mu     sync.Mutex
	client *sftp.Client
	conn   *ssh.Client
}

var _ Transport = (*SFTP)(nil)

// NewSFTP constructs an SFTP transport. The connection is established
// lazily, on first use, so a misconfigured host doesn't fail construction.
func NewSFTP(cfg SFTPConfig) *SFTP {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SFTP{cfg: cfg}
}

func (t *SFTP) client_() (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	auth := []ssh.AuthMethod{}
	if t.cfg.Credential.KeyPath != "" {
		signer, err := loadSigner(t.cfg.Credential.KeyPath)
		if err != nil {
			return nil, &cerrors.TransportError{Op: "ssh_auth", Target: t.cfg.Host, Cause: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.cfg.Credential.Password != "" {
		auth = append(auth, ssh.Password(t.cfg.Credential.Password))
	}

	hostKeyCallback := t.cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.Credential.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", port(t.cfg.Port)))
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, &cerrors.TransportError{Op: "ssh_dial", Target: addr, Cause: err}
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, &cerrors.TransportError{Op: "sftp_new_client", Target: addr, Cause: err}
	}

	t.conn = conn
	t.client = client
	return client, nil
}

func port(p int) int {
	if p == 0 {
		return 22
	}
	return p
}

func (t *SFTP) abs(p string) string {
	return path.Join(t.cfg.Base, p)
}

func (t *SFTP) Mkdir(ctx context.Context, p string) error {
	client, err := t.client_()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(t.abs(p)); err != nil {
		return &cerrors.TransportError{Op: "mkdir", Target: p, Cause: err}
	}
	return nil
}

func (t *SFTP) WriteFile(ctx context.Context, p string, data []byte) error {
	client, err := t.client_()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(path.Dir(t.abs(p))); err != nil {
		return &cerrors.TransportError{Op: "mkdir", Target: p, Cause: err}
	}
	f, err := client.Create(t.abs(p))
	if err != nil {
		return &cerrors.TransportError{Op: "write_file", Target: p, Cause: err}
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return &cerrors.TransportError{Op: "write_file", Target: p, Cause: err}
	}
	return nil
}

func (t *SFTP) ReadFile(ctx context.Context, p string) ([]byte, error) {
	client, err := t.client_()
	if err != nil {
		return nil, err
	}
	f, err := client.Open(t.abs(p))
	if err != nil {
		return nil, &cerrors.TransportError{Op: "read_file", Target: p, Cause: err}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &cerrors.TransportError{Op: "read_file", Target: p, Cause: err}
	}
	return data, nil
}

func (t *SFTP) ListDir(ctx context.Context, p string) ([]string, error) {
	client, err := t.client_()
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(t.abs(p))
	if err != nil {
		return nil, &cerrors.TransportError{Op: "list_dir", Target: p, Cause: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (t *SFTP) RemoveTree(ctx context.Context, p string) error {
	client, err := t.client_()
	if err != nil {
		return err
	}
	if err := removeTreeSFTP(client, t.abs(p)); err != nil {
		return &cerrors.TransportError{Op: "remove_tree", Target: p, Cause: err}
	}
	return nil
}

func removeTreeSFTP(client *sftp.Client, dir string) error {
	entries, err := client.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := removeTreeSFTP(client, full); err != nil {
				return err
			}
		} else if err := client.Remove(full); err != nil {
			return err
		}
	}
	return client.RemoveDirectory(dir)
}

// Close releases the underlying SSH connection, if one was opened.
func (t *SFTP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
