// Copyright (c) 2026 John Earle
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

package inbound

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// formMemory is the in-memory budget for multipart form parsing; larger
// files spill to temporary files.
const formMemory = 32 << 20

// form is a decoded webhook form: plain values plus uploaded files.
type form struct {
	values  url.Values
	files   map[string][]*multipart.FileHeader
	cleanup func() error
}

func (f *form) get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f.values.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// raw returns the untrimmed value of key.
func (f *form) raw(key string) string {
	return f.values.Get(key)
}

// file reads the first upload stored under key.
func (f *form) file(key string) (*multipart.FileHeader, []byte, error) {
	fhs := f.files[key]
	if len(fhs) == 0 {
		return nil, nil, nil
	}
	fh := fhs[0]
	r, err := fh.Open()
	if err != nil {
		return fh, nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return fh, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return fh, data, nil
}

func (f *form) close() {
	if f.cleanup != nil {
		f.cleanup()
	}
}

// parseForm decodes a url-encoded or multipart/form-data body.
func parseForm(body []byte, contentType string) (*form, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil && contentType != "" {
		return nil, fmt.Errorf("content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("form: %w", err)
		}
		return &form{values: values}, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart body without boundary")
	}
	mf, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(formMemory)
	if err != nil {
		return nil, fmt.Errorf("multipart form: %w", err)
	}
	return &form{values: url.Values(mf.Value), files: mf.File, cleanup: mf.RemoveAll}, nil
}
