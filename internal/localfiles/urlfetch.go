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

package localfiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Fetcher reads the content a workflow or input file location refers to.
// An external collaborator: production wiring uses HTTPFetcher, tests use
// an in-memory fake.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// HTTPFetcher resolves file://, http:// and https:// locations. Any
// configured WebDAV namespace the service itself exposes is just another
// https:// URL from the fetcher's point of view; no special casing is
// needed here.
type HTTPFetcher struct {
	Client *http.Client
}

var _ Fetcher = HTTPFetcher{}

// NewHTTPFetcher returns a Fetcher with a bounded timeout, since a hung
// input fetch must not block a worker goroutine forever.
func NewHTTPFetcher() HTTPFetcher {
	return HTTPFetcher{Client: &http.Client{Timeout: 60 * time.Second}}
}

func (f HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", location, err)
	}

	switch u.Scheme {
	case "file", "":
		path := u.Path
		if path == "" {
			path = strings.TrimPrefix(location, "file://")
		}
		return os.ReadFile(path)
	case "http", "https":
		client := f.Client
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: %s", location, resp.Status)
		}
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q in %q", u.Scheme, location)
	}
}
