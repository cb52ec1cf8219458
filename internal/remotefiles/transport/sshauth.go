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
	"os"

	"golang.org/x/crypto/ssh"
)

// loadSigner reads and parses a PEM-encoded private key. Shared by the
// sftp transport and the ssh/slurm scheduler adapters, which all
// authenticate the same way.
func loadSigner(keyPath string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

// DialConfig builds an *ssh.ClientConfig from a Credential, for callers
// (the ssh/slurm scheduler adapters) that need a raw SSH session rather
// than an SFTP client.
func DialConfig(cred Credential, hostKeyCallback ssh.HostKeyCallback) (*ssh.ClientConfig, error) {
	auth := []ssh.AuthMethod{}
	if cred.KeyPath != "" {
		signer, err := loadSigner(cred.KeyPath)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		auth = append(auth, ssh.Password(cred.Password))
	}
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}, nil
}
