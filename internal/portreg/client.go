package portreg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client talks to the port-allocation registry daemon over its unix
// socket. The registry is the authority on which project owns which host
// port; tunelis only consults it.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a port registry client.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout}
}

// RPCRequest is a standard JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      int                    `json:"id"`
}

// RPCResponse is a standard JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ownershipResult struct {
	Owned bool   `json:"owned"`
	Owner string `json:"owner,omitempty"`
}

// IsPortOwnedBy asks the registry whether ownerProject holds the
// allocation for port.
func (c *Client) IsPortOwnedBy(port int, ownerProject string) (bool, error) {
	result, err := c.call("ports.ownership", map[string]interface{}{
		"port":  port,
		"owner": ownerProject,
	})
	if err != nil {
		return false, err
	}

	var ownership ownershipResult
	if err := json.Unmarshal(result, &ownership); err != nil {
		return false, fmt.Errorf("failed to unmarshal ownership result: %w", err)
	}
	return ownership.Owned, nil
}

func (c *Client) call(method string, params map[string]interface{}) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to port registry socket at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	request := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	reqBytes, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC request: %w", err)
	}

	// The registry expects newline-delimited requests.
	if _, err := conn.Write(append(reqBytes, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write to socket: %w", err)
	}

	reader := bufio.NewReader(conn)
	resBytes, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response from socket: %w", err)
	}

	var response RPCResponse
	if err := json.Unmarshal(resBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON-RPC response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("received error from port registry: %s (code: %d)", response.Error.Message, response.Error.Code)
	}
	return response.Result, nil
}
