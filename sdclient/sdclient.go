// Package sdclient talks to the admin API of a storage daemon.
package sdclient

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"
)

// Exported errors
var (
	ErrNotFound       = errors.New("not found")
	ErrNotAuthorized  = errors.New("access denied")
	ErrBusy           = errors.New("device busy")
	ErrUnexpectedResp = errors.New("unexpected response code")
)

// A Connection represents a connection with a storage daemon.
// It can be shared between multiple goroutines.
type Connection struct {
	// The admin address of the daemon, e.g. "http://localhost:9103"
	HostURL string
	Token   string

	client *http.Client
}

// do performs an http request using our client with a timeout. The
// timeout is arbitrary, and is just there so we don't hang indefinitely
// should the server never close the connection. Labeling a tape can take
// a few minutes.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Add("X-Api-Key", c.Token)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 15 * time.Minute, // arbitrary
		}
	}
	return c.client.Do(req)
}

// call makes a request and returns the response body as a jason value.
// A response without a body returns nil.
func (c *Connection) call(method, path string, query url.Values) (*jason.Value, error) {
	u := c.HostURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200, 201:
		return jason.NewValueFromReader(resp.Body)
	case 204:
		return nil, nil
	case 401:
		return nil, ErrNotAuthorized
	}
	msg := errorMessage(resp.Body)
	switch resp.StatusCode {
	case 404:
		return nil, errors.Wrap(ErrNotFound, msg)
	case 409:
		return nil, errors.Wrap(ErrBusy, msg)
	case 422:
		return nil, errors.New(msg)
	}
	return nil, errors.Wrapf(ErrUnexpectedResp, "received status %d for %s %s: %s", resp.StatusCode, method, path, msg)
}

// errorMessage pulls the text out of an error response.
func errorMessage(r io.Reader) string {
	v, err := jason.NewObjectFromReader(r)
	if err != nil {
		return ""
	}
	if s, err := v.GetString("error"); err == nil {
		return s
	}
	s, _ := v.GetString("Error")
	return s
}

func (c *Connection) getObjects(path string, query url.Values) ([]*jason.Object, error) {
	v, err := c.call("GET", path, query)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	list, err := v.Array()
	if err != nil {
		return nil, errors.Wrap(ErrUnexpectedResp, err.Error())
	}
	result := make([]*jason.Object, 0, len(list))
	for _, elem := range list {
		obj, err := elem.Object()
		if err != nil {
			return nil, errors.Wrap(ErrUnexpectedResp, err.Error())
		}
		result = append(result, obj)
	}
	return result, nil
}

func slotQuery(slot int) url.Values {
	if slot <= 0 {
		return nil
	}
	return url.Values{"slot": []string{strconv.Itoa(slot)}}
}

// Welcome returns the daemon's greeting, which includes its version.
func (c *Connection) Welcome() (string, error) {
	req, err := http.NewRequest("GET", c.HostURL+"/", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("received status %d", resp.StatusCode)
	}
	var buf [256]byte
	n, _ := io.ReadFull(resp.Body, buf[:])
	return string(buf[:n]), nil
}
