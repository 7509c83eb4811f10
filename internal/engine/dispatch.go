package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/limsuite/interface-engine/internal/domain/endpoint"
	"github.com/limsuite/interface-engine/internal/platform/hl7v2"
	"github.com/limsuite/interface-engine/internal/platform/protocol"
)

// maxResponseBytes bounds how much of a remote response is kept on the job.
const maxResponseBytes = 4096

// Response is what a dispatch attempt got back from the remote system.
type Response struct {
	StatusCode int
	Body       []byte
}

// Dispatcher sends encoded wire bytes to an endpoint's configured address.
// A non-nil error means the transport itself failed; remote-level rejection
// is expressed through the response and read back as an ack code.
type Dispatcher interface {
	Dispatch(ctx context.Context, ep *endpoint.Endpoint, raw []byte) (*Response, error)
}

// TransportDispatcher routes by endpoint protocol: HL7v2 endpoints get
// MLLP-framed TCP delivery, everything else goes over HTTP POST.
type TransportDispatcher struct {
	httpClient *http.Client
}

func NewTransportDispatcher(timeout time.Duration) *TransportDispatcher {
	return &TransportDispatcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (d *TransportDispatcher) Dispatch(ctx context.Context, ep *endpoint.Endpoint, raw []byte) (*Response, error) {
	if ep.Address == "" {
		return nil, configErrorf("endpoint %s has no dispatch address", ep.Code)
	}
	if ep.Protocol == protocol.ProtocolHL7v2 {
		return d.dispatchMLLP(ctx, ep, raw)
	}
	return d.dispatchHTTP(ctx, ep, raw)
}

func (d *TransportDispatcher) dispatchHTTP(ctx context.Context, ep *endpoint.Endpoint, raw []byte) (*Response, error) {
	timeout := time.Duration(ep.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Address, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", ep.Code, err)
	}

	switch ep.Protocol {
	case protocol.ProtocolFHIR:
		req.Header.Set("Content-Type", "application/fhir+json")
	case protocol.ProtocolASTM:
		req.Header.Set("Content-Type", "text/plain")
	default:
		req.Header.Set("Content-Type", "application/json")
	}

	switch ep.Auth.Type {
	case endpoint.AuthAPIKey:
		header := ep.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, ep.Auth.Token)
	case endpoint.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+ep.Auth.Token)
	case endpoint.AuthBasic:
		req.SetBasicAuth(ep.Auth.Username, ep.Auth.Password)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", ep.Code, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// dispatchMLLP opens a TCP connection, writes one MLLP-framed message and
// reads back one framed acknowledgement.
func (d *TransportDispatcher) dispatchMLLP(ctx context.Context, ep *endpoint.Endpoint, raw []byte) (*Response, error) {
	timeout := time.Duration(ep.TimeoutSeconds) * time.Second

	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", ep.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", ep.Code, ep.Address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(hl7v2.FrameMessage(raw)); err != nil {
		return nil, fmt.Errorf("write to %s: %w", ep.Code, err)
	}

	ack, err := readMLLPFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read ack from %s: %w", ep.Code, err)
	}
	return &Response{StatusCode: http.StatusOK, Body: ack}, nil
}

func readMLLPFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if msg, _, ok := hl7v2.UnframeMessage(buf); ok {
				return msg, nil
			}
			if len(buf) > maxResponseBytes {
				return nil, fmt.Errorf("ack frame exceeds %d bytes", maxResponseBytes)
			}
		}
		if err != nil {
			return nil, err
		}
	}
}
