package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Recap.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Recap.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Recap.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobList returns jobs, optionally filtered by owner and status.
func (c *Client) JobList(req JobListRequest) (*JobListResponse, error) {
	var resp JobListResponse
	if err := c.client.Call("Recap.JobList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobDescribe returns details for a single job.
func (c *Client) JobDescribe(id string) (*JobDescribeResponse, error) {
	var resp JobDescribeResponse
	if err := c.client.Call("Recap.JobDescribe", JobDescribeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobCancel requests cancellation of a job.
func (c *Client) JobCancel(id string) (*JobCancelResponse, error) {
	var resp JobCancelResponse
	if err := c.client.Call("Recap.JobCancel", JobCancelRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QuotaSummary returns quota state for one owner.
func (c *Client) QuotaSummary(owner string) (*QuotaSummaryResponse, error) {
	var resp QuotaSummaryResponse
	if err := c.client.Call("Recap.QuotaSummary", QuotaSummaryRequest{Owner: owner}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetPlan sets an owner's subscription minute allowance.
func (c *Client) SetPlan(owner string, minutes float64) (*SetPlanResponse, error) {
	var resp SetPlanResponse
	if err := c.client.Call("Recap.SetPlan", SetPlanRequest{Owner: owner, Minutes: minutes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TopUp credits purchased minutes to an owner.
func (c *Client) TopUp(owner string, minutes float64, reference string) (*TopUpResponse, error) {
	var resp TopUpResponse
	req := TopUpRequest{Owner: owner, Minutes: minutes, Reference: reference}
	if err := c.client.Call("Recap.TopUp", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
