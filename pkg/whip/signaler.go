// Copyright 2023 LiveKit, Inc.
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

package whip

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/whip-publisher/pkg/errors"
)

// signaler drives the WHIP HTTP exchange: one POST trading the offer for the
// answer, one DELETE on the returned resource at teardown.
type signaler struct {
	logger   logger.Logger
	client   *http.Client
	endpoint string
	auth     string

	resourceURL string
}

func newSignaler(l logger.Logger, endpoint, authorization string) *signaler {
	return &signaler{
		logger:   l,
		client:   http.DefaultClient,
		endpoint: endpoint,
		auth:     authorization,
	}
}

// Exchange POSTs the offer and returns the SDP answer. A Location header, if
// present, is kept as the session resource for Delete.
func (s *signaler) Exchange(ctx context.Context, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(offer))
	if err != nil {
		return "", err
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.ErrFromHTTPStatus(resp.StatusCode, s.endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	answer := string(body)
	if !strings.HasPrefix(answer, "v=") {
		return "", errors.ErrInvalidAnswer("answer must start with v=")
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		s.resourceURL = s.resolveResource(req.URL, loc)
	}

	return answer, nil
}

// Delete tears down the session resource. RTC sessions are connectionless,
// without the DELETE the server keeps the session alive until it times out
// and blocks immediate republishing.
func (s *signaler) Delete(ctx context.Context) error {
	if s.resourceURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.resourceURL, nil)
	if err != nil {
		return err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Infow("disposed whip resource", "url", s.resourceURL)
	return nil
}

func (s *signaler) setHeaders(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache")
	if s.auth != "" {
		req.Header.Set("Authorization", "Bearer "+s.auth)
	}
}

// Location may be relative to the request URL.
func (s *signaler) resolveResource(base *url.URL, location string) string {
	ref, err := url.Parse(location)
	if err != nil {
		s.logger.Warnw("ignoring unparsable Location header", err, "location", location)
		return ""
	}
	return base.ResolveReference(ref).String()
}
