package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"

	"github.com/veilbid-io/sealedauction/api"
)

// Client speaks the gateway's framed-JSON protocol: one request document per
// connection, write side closed, then one response document. Production
// deployments dial the gateway over vsock; development and tests use TCP.
type Client struct {
	dial    func() (net.Conn, error)
	timeout time.Duration
	log     zerolog.Logger
}

// NewVSockClient creates a client dialing the gateway enclave over vsock.
func NewVSockClient(contextID, port uint32, logger zerolog.Logger) *Client {
	return &Client{
		dial: func() (net.Conn, error) {
			return vsock.Dial(contextID, port, nil)
		},
		timeout: 30 * time.Second,
		log:     logger,
	}
}

// NewTCPClient creates a client dialing the gateway over TCP.
func NewTCPClient(addr string, logger zerolog.Logger) *Client {
	return &Client{
		dial: func() (net.Conn, error) {
			return net.Dial("tcp", addr)
		},
		timeout: 30 * time.Second,
		log:     logger,
	}
}

// Decrypt submits a decryption request and returns the proved result. The
// result still must be verified against the fixed verification key before
// any cleartext is acted upon.
func (c *Client) Decrypt(ctx context.Context, req Request) (Result, error) {
	wireReq := api.DecryptRequest{
		Type:      api.TypeDecryptRequest,
		RequestID: req.ID.String(),
		Handles:   handleHexes(req.Handles),
	}

	var wireRes api.DecryptResponse
	if err := c.roundTrip(ctx, wireReq, &wireRes); err != nil {
		return Result{}, err
	}
	if !wireRes.Success {
		return Result{}, fmt.Errorf("gateway rejected decryption: %s", wireRes.Message)
	}

	resultID, err := uuid.Parse(wireRes.RequestID)
	if err != nil {
		return Result{}, fmt.Errorf("invalid request id in response: %w", err)
	}
	proof, err := wireRes.Proof()
	if err != nil {
		return Result{}, fmt.Errorf("decode proof: %w", err)
	}

	c.log.Debug().
		Str("request_id", wireRes.RequestID).
		Int("handles", len(req.Handles)).
		Int64("gateway_ms", wireRes.ProcessingTime).
		Msg("decryption result received")

	return Result{
		RequestID:  resultID,
		Cleartexts: wireRes.Cleartexts,
		Proof:      proof,
	}, nil
}

// Ping checks gateway liveness.
func (c *Client) Ping(ctx context.Context) error {
	var res api.PingResponse
	if err := c.roundTrip(ctx, api.BaseRequest{Type: api.TypePing}, &res); err != nil {
		return err
	}
	if res.Type != api.TypePong {
		return fmt.Errorf("unexpected ping response type %q", res.Type)
	}
	return nil
}

// FetchKeys retrieves the gateway's input key, verification key, and key
// attestation.
func (c *Client) FetchKeys(ctx context.Context) (api.KeyResponse, error) {
	var res api.KeyResponse
	if err := c.roundTrip(ctx, api.BaseRequest{Type: api.TypeKeyRequest}, &res); err != nil {
		return api.KeyResponse{}, err
	}
	if res.Type != api.TypeKeyResponse {
		return api.KeyResponse{}, fmt.Errorf("unexpected key response type %q", res.Type)
	}
	return res, nil
}

// roundTrip performs one request/response exchange on a fresh connection.
func (c *Client) roundTrip(ctx context.Context, req, res any) error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("failed to close gateway connection")
		}
	}()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	// The gateway reads until EOF before answering.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("close write side: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, conn); err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var baseRes struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(buf.Bytes(), &baseRes); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if baseRes.Type == api.TypeError {
		return fmt.Errorf("gateway error: %s", baseRes.Message)
	}

	if err := json.Unmarshal(buf.Bytes(), res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// EncodeProof encodes proof bytes for JSON transport.
func EncodeProof(proof []byte) string {
	return base64.StdEncoding.EncodeToString(proof)
}
