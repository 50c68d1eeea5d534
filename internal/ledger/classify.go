package ledger

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/rpc"

	"crowdchain/escrow-backend/internal/errs"
)

// JSON-RPC and EIP-1193 codes the signer and node report
const (
	codeUserRejected        = 4001
	codeUnauthorizedMethod  = 4100
	codeResourceUnavailable = -32002
	codeInternal            = -32603
	codeLimitExceeded       = -32005
)

var transientMarkers = []string{
	"circuit breaker",
	"circuit open",
	"rate limit",
	"too many requests",
	"overloaded",
	"service unavailable",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"eof",
}

// Classify maps a transport or contract error onto the errs taxonomy. Errors
// that already carry a kind are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, bind.ErrNoCode) {
		return errs.Wrap(errs.KindNotFound, err, "escrow contract not deployed at the configured address")
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected, codeUnauthorizedMethod:
			return errs.Wrap(errs.KindUserDeclined, err, "signature request declined")
		case codeResourceUnavailable, codeLimitExceeded:
			return errs.Wrap(errs.KindTransientLedgerFailure, err, "ledger provider overloaded")
		case codeInternal:
			if hasTransientMarker(err) {
				return errs.Wrap(errs.KindTransientLedgerFailure, err, "ledger provider overloaded")
			}
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return errs.Wrap(errs.KindTransientLedgerFailure, err, "ledger endpoint returned %d", httpErr.StatusCode)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Wrap(errs.KindTransientLedgerFailure, err, "ledger endpoint unreachable")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return errs.Wrap(errs.KindInsufficientFunds, err, "insufficient balance for transfer and gas")
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return errs.Wrap(errs.KindUserDeclined, err, "signature request declined")
	case strings.Contains(msg, "campaign does not exist"), strings.Contains(msg, "invalid campaign"):
		return errs.Wrap(errs.KindNotFound, err, "ledger has no such campaign")
	case hasTransientMarker(err):
		return errs.Wrap(errs.KindTransientLedgerFailure, err, "ledger provider overloaded")
	}
	return errs.Wrap(errs.KindInternal, err, "ledger call failed")
}

// markers of a connection that broke after the request went out
var lostResponseMarkers = []string{
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"unexpected eof",
	"eof",
}

// ClassifySend classifies a failed transaction submission. When the node may
// have accepted the transaction before its reply was lost, the result is
// KindUnconfirmed carrying txRef, so the caller follows up on that hash
// instead of signing a replacement under a new nonce.
func ClassifySend(err error, txRef string) error {
	if err == nil {
		return nil
	}
	if responseLost(err) {
		return errs.Wrap(errs.KindUnconfirmed, err, "transaction submitted but the node reply was lost").
			WithDetail("tx_ref", txRef)
	}
	return Classify(err)
}

// responseLost reports whether err leaves open that the node received the
// transaction. A JSON-RPC error or a rejecting HTTP status means it answered.
func responseLost(err error) bool {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// never connected
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range lostResponseMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func hasTransientMarker(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
