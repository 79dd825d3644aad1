package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Connect reads the events served by CreateEndpoint at u. The returned
// channel is closed when the server ends the stream or ctx is done.
func Connect[T any](ctx context.Context, c *http.Client, u *url.URL) (<-chan Event[T], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, u.String())
	}
	out := make(chan Event[T], BufferSize)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
		var name string
		var data []byte
		for scanner.Scan() {
			line := scanner.Bytes()
			switch {
			case len(line) == 0:
				if data == nil {
					name = ""
					continue
				}
				e := Event[T]{Name: name}
				err := json.Unmarshal(data, &e.Data)
				name, data = "", nil
				if err != nil {
					log.WithError(err).Warning("discarding unreadable event", "url", u.String())
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- e:
				}
			case bytes.HasPrefix(line, []byte("event: ")):
				name = string(line[len("event: "):])
			case bytes.HasPrefix(line, []byte("data: ")):
				data = append(data, line[len("data: "):]...)
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.WithError(err).Warning("reading event stream", "url", u.String())
		}
	}()
	return out, nil
}
