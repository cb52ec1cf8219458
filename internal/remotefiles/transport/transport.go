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

// Package transport provides pluggable remote file access for the Remote
// File Manager: a local filesystem transport for single-node testing, an
// SFTP transport over SSH, and a hand-rolled WebDAV client, all behind one
// interface so internal/remotefiles never branches on scheme.
package transport

import "context"

// Transport is the minimal remote file operation set the Remote File
// Manager needs: create a directory, write a whole file, read a whole
// file back, list entries of a directory, and remove a directory tree.
// There is no append or partial-write operation because every caller in
// this system writes small, complete documents (workflow text, input
// JSON, staged input files) in one shot.
type Transport interface {
	Mkdir(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListDir(ctx context.Context, path string) ([]string, error)
	RemoveTree(ctx context.Context, path string) error
}

// Credential resolves a remote transport's username/password. Env vars
// take precedence over config per the original service's credential
// resolution order: CERISE_FILES_USERNAME/PASSWORD, then
// CERISE_USERNAME/PASSWORD, then the values given in config.
type Credential struct {
	Username string
	Password string
	// KeyPath is an optional path to a PEM-encoded private key, used by
	// the sftp transport in preference to Password when set.
	KeyPath string
}

// ResolveCredential applies the env-over-config precedence rule shared by
// every remote transport and scheduler adapter that needs to authenticate.
func ResolveCredential(lookupEnv func(string) (string, bool), configUsername, configPassword string) Credential {
	cred := Credential{Username: configUsername, Password: configPassword}
	if u, ok := lookupEnv("CERISE_USERNAME"); ok {
		cred.Username = u
		if p, ok := lookupEnv("CERISE_PASSWORD"); ok {
			cred.Password = p
		} else {
			cred.Password = ""
		}
	}
	if u, ok := lookupEnv("CERISE_FILES_USERNAME"); ok {
		cred.Username = u
		if p, ok := lookupEnv("CERISE_FILES_PASSWORD"); ok {
			cred.Password = p
		} else {
			cred.Password = ""
		}
	}
	return cred
}
