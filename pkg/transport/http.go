package transport

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/marcostork/keylime/pkg/logging"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
	"github.com/marcostork/keylime/pkg/verifier"
)

var (
	ErrAgentUnreachable = errors.New("transport: agent unreachable")
	ErrBadResponse      = errors.New("transport: malformed agent response")
)

// quoteReply is the agent's wire response: the signed quote and the
// measurement log tail, both base64.
type quoteReply struct {
	Quote   string `json:"quote"`
	LogTail string `json:"log_tail"`
}

// HTTPTransport requests quotes from agents over their HTTP challenge
// endpoint. Safe for concurrent use by all agent tasks.
type HTTPTransport struct {
	logger    *logging.Logger
	client    *http.Client
	scheme    string
	agentPort int
	selection string
}

func NewHTTPTransport(
	logger *logging.Logger,
	scheme string,
	agentPort int,
	quotePCRs []int32) *HTTPTransport {

	if scheme == "" {
		scheme = "http"
	}
	return &HTTPTransport{
		logger: logger,
		// Per-request deadlines come from the cycle context
		client:    &http.Client{},
		scheme:    scheme,
		agentPort: agentPort,
		selection: joinRegisters(quotePCRs),
	}
}

func (t *HTTPTransport) RequestQuote(
	ctx context.Context,
	agent *entities.Agent,
	nonce []byte,
	offset uint64) (*verifier.QuoteResponse, error) {

	host := agent.Host
	if _, _, err := net.SplitHostPort(host); err != nil && t.agentPort > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(t.agentPort))
	}

	query := url.Values{
		"nonce":  []string{hex.EncodeToString(nonce)},
		"offset": []string{strconv.FormatUint(offset, 10)},
	}
	if t.selection != "" {
		query.Set("pcrs", t.selection)
	}

	endpoint := url.URL{
		Scheme:   t.scheme,
		Host:     host,
		Path:     "/v1/quote",
		RawQuery: query.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: agent %s returned %d",
			ErrAgentUnreachable, agent.ID, resp.StatusCode)
	}

	var reply quoteReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	quote, err := base64.StdEncoding.DecodeString(reply.Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: quote not base64", ErrBadResponse)
	}
	logTail, err := base64.StdEncoding.DecodeString(reply.LogTail)
	if err != nil {
		return nil, fmt.Errorf("%w: log tail not base64", ErrBadResponse)
	}

	t.logger.Debugf("transport: agent %s quote %d bytes, log tail %d bytes",
		agent.ID, len(quote), len(logTail))

	return &verifier.QuoteResponse{
		Quote:   quote,
		LogTail: logTail,
	}, nil
}

func joinRegisters(registers []int32) string {
	parts := make([]string, len(registers))
	for i, register := range registers {
		parts[i] = strconv.FormatInt(int64(register), 10)
	}
	return strings.Join(parts, ",")
}
