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
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	cerrors "github.com/arnikz/cerise/pkg/errors"
)

// WebDAV is a Transport implemented directly on net/http, following the
// precedent set by rclone's own webdav backend, which hand-rolls the
// protocol (MKCOL/PUT/GET/PROPFIND/DELETE) on net/http rather than
// depending on a third-party WebDAV client.
type WebDAV struct {
	BaseURL    string
	Credential Credential
	HTTPClient *http.Client
}

var _ Transport = (*WebDAV)(nil)

// NewWebDAV constructs a WebDAV transport rooted at baseURL.
func NewWebDAV(baseURL string, cred Credential) *WebDAV {
	return &WebDAV{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Credential: cred,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *WebDAV) url(p string) string {
	return w.BaseURL + "/" + strings.TrimLeft(path.Clean("/"+p), "/")
}

func (w *WebDAV) do(ctx context.Context, method, p string, body io.Reader, extraHeaders map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.url(p), body)
	if err != nil {
		return nil, err
	}
	if w.Credential.Username != "" {
		req.SetBasicAuth(w.Credential.Username, w.Credential.Password)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return w.HTTPClient.Do(req)
}

// Mkdir issues MKCOL, creating parent collections first since WebDAV's
// MKCOL fails if the immediate parent does not already exist.
func (w *WebDAV) Mkdir(ctx context.Context, p string) error {
	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" {
		return nil
	}
	parts := strings.Split(clean, "/")
	built := ""
	for _, part := range parts {
		built = path.Join(built, part)
		resp, err := w.do(ctx, "MKCOL", built, nil, nil)
		if err != nil {
			return &cerrors.TransportError{Op: "mkdir", Target: p, Cause: err}
		}
		resp.Body.Close()
		// 201 Created, or 405 Method Not Allowed because it already exists.
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusMethodNotAllowed {
			return &cerrors.TransportError{Op: "mkdir", Target: p, Cause: fmt.Errorf("MKCOL %s: %s", built, resp.Status)}
		}
	}
	return nil
}

func (w *WebDAV) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := w.Mkdir(ctx, path.Dir(p)); err != nil {
		return err
	}
	resp, err := w.do(ctx, http.MethodPut, p, bytes.NewReader(data), map[string]string{
		"Content-Type": "application/octet-stream",
	})
	if err != nil {
		return &cerrors.TransportError{Op: "write_file", Target: p, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return &cerrors.TransportError{Op: "write_file", Target: p, Cause: fmt.Errorf("PUT %s: %s", p, resp.Status)}
	}
	return nil
}

func (w *WebDAV) ReadFile(ctx context.Context, p string) ([]byte, error) {
	resp, err := w.do(ctx, http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, &cerrors.TransportError{Op: "read_file", Target: p, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &cerrors.TransportError{Op: "read_file", Target: p, Cause: fmt.Errorf("GET %s: %s", p, resp.Status)}
	}
	return io.ReadAll(resp.Body)
}

// multistatus mirrors the subset of a WebDAV PROPFIND response body this
// transport needs: the href of each member of a collection.
type multistatus struct {
	XMLName   xml.Name `xml:"multistatus"`
	Responses []struct {
		Href string `xml:"href"`
	} `xml:"response"`
}

func (w *WebDAV) ListDir(ctx context.Context, p string) ([]string, error) {
	resp, err := w.do(ctx, "PROPFIND", p, strings.NewReader(`<?xml version="1.0"?><propfind xmlns="DAV:"><allprop/></propfind>`), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml",
	})
	if err != nil {
		return nil, &cerrors.TransportError{Op: "list_dir", Target: p, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != 207 {
		return nil, &cerrors.TransportError{Op: "list_dir", Target: p, Cause: fmt.Errorf("PROPFIND %s: %s", p, resp.Status)}
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, &cerrors.TransportError{Op: "list_dir", Target: p, Cause: err}
	}

	self := w.url(p)
	names := make([]string, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		href := strings.TrimRight(r.Href, "/")
		if href == "" || strings.TrimRight(self, "/") == href || strings.HasSuffix(self, href) {
			continue
		}
		names = append(names, path.Base(href))
	}
	return names, nil
}

func (w *WebDAV) RemoveTree(ctx context.Context, p string) error {
	resp, err := w.do(ctx, http.MethodDelete, p, nil, nil)
	if err != nil {
		return &cerrors.TransportError{Op: "remove_tree", Target: p, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return &cerrors.TransportError{Op: "remove_tree", Target: p, Cause: fmt.Errorf("DELETE %s: %s", p, resp.Status)}
	}
	return nil
}
