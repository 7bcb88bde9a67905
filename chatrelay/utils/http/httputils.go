// chatrelay/utils/http/httputils.go
package httputils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

func newJSONRequest(ctx context.Context, url string, body interface{}) (*http.Request, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func statusError(r *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
	if len(b) == 0 {
		return fmt.Errorf("bad status: %d", r.StatusCode)
	}
	return fmt.Errorf("bad status: %d - %s", r.StatusCode, bytes.TrimSpace(b))
}

// PostStream returns the open response body; the caller closes it.
func PostStream(ctx context.Context, client *http.Client, url string, body interface{}) (io.ReadCloser, error) {
	req, err := newJSONRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if r.StatusCode != http.StatusOK {
		defer r.Body.Close()
		return nil, statusError(r)
	}
	return r.Body, nil
}
