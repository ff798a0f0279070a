package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/example/syncq/pkg/syncqapi"
)

// Client talks to a syncq gateway.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// Reply is a gateway answer to classify or status. Body is the plain-text
// result when StatusCode is 200; Status is decoded otherwise.
type Reply struct {
	StatusCode int
	RequestID  string
	Body       string
	Status     syncqapi.StatusResponse
}

// Completed reports whether the reply carries a finished result.
func (r Reply) Completed() bool { return r.StatusCode == http.StatusOK }

// Classify uploads the named file. A wait of zero returns as soon as the
// request is accepted.
func (c *Client) Classify(ctx context.Context, name string, content io.Reader, wait time.Duration) (Reply, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(uploadField, filepath.Base(name))
	if err != nil {
		return Reply{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return Reply{}, fmt.Errorf("read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return Reply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/classify?"+timeoutQuery(wait), &buf)
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doReply(req)
}

func (c *Client) Status(ctx context.Context, id string, wait time.Duration) (Reply, error) {
	u := c.BaseURL + "/status/" + url.PathEscape(id) + "?" + timeoutQuery(wait)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Reply{}, err
	}
	return c.doReply(req)
}

// Result fetches a stored classification. found is false while the result
// is not yet written.
func (c *Client) Result(ctx context.Context, filename string) (syncqapi.ResultResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/result/"+url.PathEscape(filename), nil)
	if err != nil {
		return syncqapi.ResultResponse{}, false, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return syncqapi.ResultResponse{}, false, err
	}
	defer resp.Body.Close()
	var out syncqapi.ResultResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return syncqapi.ResultResponse{}, false, fmt.Errorf("decode result: %w", err)
		}
		return out, resp.StatusCode == http.StatusOK, nil
	default:
		return syncqapi.ResultResponse{}, false, responseError(resp)
	}
}

func (c *Client) doReply(req *http.Request) (Reply, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	reply := Reply{StatusCode: resp.StatusCode, RequestID: resp.Header.Get(headerRequestID)}
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Reply{}, err
		}
		reply.Body = string(body)
		reply.Status = syncqapi.StatusResponse{RequestID: reply.RequestID, Status: syncqapi.StatusCompleted, Result: reply.Body}
	case http.StatusAccepted, http.StatusNotFound:
		if err := json.NewDecoder(resp.Body).Decode(&reply.Status); err != nil {
			return Reply{}, fmt.Errorf("decode status: %w", err)
		}
		if reply.RequestID == "" {
			reply.RequestID = reply.Status.RequestID
		}
	default:
		return Reply{}, responseError(resp)
	}
	return reply, nil
}

func responseError(resp *http.Response) error {
	var e syncqapi.ErrorResponse
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func timeoutQuery(wait time.Duration) string {
	return "timeout=" + strconv.FormatFloat(wait.Seconds(), 'f', -1, 64)
}
