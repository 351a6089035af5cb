package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"

	"github.com/veilbid-io/sealedauction/api"
	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/oracle"
)

const readDeadline = 30 * time.Second

// Server answers gateway requests over framed JSON: one request document per
// connection, client half-closes, one response document back. A bounded
// worker pool rejects connections outright when full rather than queueing.
type Server struct {
	engine   *fhe.SecureEngine
	keys     *KeyManager
	attester Attester
	workers  int
	metrics  *Metrics
	log      zerolog.Logger
}

// Config tunes a Server. Attester and Metrics may be nil.
type Config struct {
	Workers  int
	Attester Attester
	Metrics  *Metrics
	Logger   zerolog.Logger
}

// NewServer builds a gateway server over the engine holding the ciphertext
// vault.
func NewServer(engine *fhe.SecureEngine, keys *KeyManager, cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Server{
		engine:   engine,
		keys:     keys,
		attester: cfg.Attester,
		workers:  cfg.Workers,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.With().Str("component", "gateway").Logger(),
	}
}

// ListenVSock serves on a vsock port, the transport used when the gateway
// runs inside an enclave.
func (s *Server) ListenVSock(port uint32) error {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("vsock listen: %w", err)
	}
	s.log.Info().Uint32("port", port).Msg("listening on vsock")
	return s.Serve(listener)
}

// ListenTCP serves on a TCP address, the development transport.
func (s *Server) ListenTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	s.log.Info().Str("addr", addr).Msg("listening on tcp")
	return s.Serve(listener)
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(listener net.Listener) error {
	defer func() {
		if err := listener.Close(); err != nil {
			s.log.Error().Err(err).Msg("close listener")
		}
	}()

	semaphore := make(chan struct{}, s.workers)
	s.log.Info().Int("workers", s.workers).Msg("worker pool initialized")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleConnection(c)
			}(conn)
		default:
			s.log.Warn().Msg("worker pool full, rejecting connection")
			s.metrics.rejectedConn()
			if err := conn.Close(); err != nil {
				s.log.Error().Err(err).Msg("close rejected connection")
			}
		}
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("panic recovered in handler")
		}
		if err := conn.Close(); err != nil {
			s.log.Error().Err(err).Msg("close connection")
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, conn); err != nil {
		s.log.Error().Err(err).Msg("read request")
		return
	}

	var base api.BaseRequest
	if err := json.Unmarshal(buf.Bytes(), &base); err != nil {
		s.log.Error().Err(err).Msg("decode base request")
		return
	}
	s.log.Debug().Str("type", base.Type).Msg("request received")
	s.metrics.request(base.Type)

	var response any
	switch base.Type {
	case api.TypePing:
		response = api.PingResponse{
			Type:      api.TypePong,
			Message:   "gateway is healthy",
			Timestamp: time.Now().Unix(),
		}

	case api.TypeKeyRequest:
		resp, err := s.handleKeyRequest()
		if err != nil {
			s.log.Error().Err(err).Msg("key request failed")
			response = api.ErrorResponse{Type: api.TypeError, Message: err.Error()}
		} else {
			response = resp
		}

	case api.TypeDecryptRequest:
		var req api.DecryptRequest
		if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
			response = api.ErrorResponse{Type: api.TypeError, Message: fmt.Sprintf("decode decrypt request: %v", err)}
			break
		}
		response = s.handleDecrypt(req)

	default:
		response = api.ErrorResponse{Type: api.TypeError, Message: fmt.Sprintf("unknown request type: %s", base.Type)}
	}

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) handleKeyRequest() (api.KeyResponse, error) {
	inputPEM, err := s.keys.InputKeyPEM()
	if err != nil {
		return api.KeyResponse{}, err
	}
	verifyPEM, err := s.keys.VerifyKeyPEM()
	if err != nil {
		return api.KeyResponse{}, err
	}
	attestation, err := attestKeys(s.attester, s.keys)
	if err != nil {
		return api.KeyResponse{}, err
	}

	resp := api.KeyResponse{
		Type:         api.TypeKeyResponse,
		InputKeyPEM:  inputPEM,
		VerifyKeyPEM: verifyPEM,
	}
	if attestation != nil {
		resp.AttestationCOSEBase64 = oracle.EncodeProof(attestation)
	}
	return resp, nil
}

// handleDecrypt reveals the plaintexts behind a batch of handles and signs
// the result. Any failure produces an error response with no cleartexts; a
// proof covers exactly the handles that were asked for.
func (s *Server) handleDecrypt(req api.DecryptRequest) api.DecryptResponse {
	start := time.Now()
	fail := func(format string, args ...any) api.DecryptResponse {
		s.metrics.proofFailed()
		return api.DecryptResponse{
			Type:           api.TypeDecryptResponse,
			Success:        false,
			Message:        fmt.Sprintf(format, args...),
			RequestID:      req.RequestID,
			ProcessingTime: time.Since(start).Milliseconds(),
		}
	}

	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		return fail("invalid request id: %v", err)
	}
	if len(req.Handles) == 0 {
		return fail("no handles to decrypt")
	}

	handles := make([]fhe.Handle, len(req.Handles))
	cleartexts := make([]uint64, len(req.Handles))
	for i, hex := range req.Handles {
		h, err := fhe.HandleFromHex(hex)
		if err != nil {
			return fail("handle %d: %v", i, err)
		}
		v, err := s.engine.Decrypt(h)
		if err != nil {
			return fail("handle %d: %v", i, err)
		}
		handles[i] = h
		cleartexts[i] = v
	}

	result, err := s.keys.Signer().Sign(oracle.Request{ID: requestID, Handles: handles}, cleartexts)
	if err != nil {
		return fail("sign result: %v", err)
	}
	s.metrics.proofIssued()

	s.log.Info().
		Str("request_id", req.RequestID).
		Int("handles", len(handles)).
		Msg("decryption proof issued")
	return api.DecryptResponse{
		Type:           api.TypeDecryptResponse,
		Success:        true,
		RequestID:      req.RequestID,
		Cleartexts:     cleartexts,
		ProofBase64:    oracle.EncodeProof(result.Proof),
		ProcessingTime: time.Since(start).Milliseconds(),
	}
}
