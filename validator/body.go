// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package validator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

type (
	// BodyExtractor produces the map Validate checks against the
	// body location's FieldRules. A nil map is treated as an empty
	// body (every Required field fails, everything else is skipped).
	BodyExtractor func(r *http.Request) (map[string]any, error)

	// ParamsExtractor produces the map Validate checks against the
	// params location's FieldRules, typically populated by the host's
	// router from path segments.
	ParamsExtractor func(r *http.Request) map[string]any
)

// JSONBodyExtractor decodes a JSON object body into a map, capping
// the read at maxBodySize bytes (0 means unbounded) and restoring
// r.Body so downstream handlers can still read it. An empty body
// decodes to an empty map rather than an error, matching "a
// missing-but-not-required field is accepted".
func JSONBodyExtractor(maxBodySize int64) BodyExtractor {
	return func(r *http.Request) (map[string]any, error) {
		if r.Body == nil {
			return map[string]any{}, nil
		}

		reader := io.Reader(r.Body)
		if maxBodySize > 0 {
			reader = io.LimitReader(reader, maxBodySize+1)
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, err
		}
		r.Body = io.NopCloser(bytes.NewReader(data))

		if len(data) == 0 {
			return map[string]any{}, nil
		}

		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, err
		}

		return body, nil
	}
}
