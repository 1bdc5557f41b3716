package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"creditrail/internal/activity"
	"creditrail/internal/errors"
	"creditrail/internal/identity"
	"creditrail/internal/offer"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Code:    string(errors.CodeOf(err)),
		Message: err.Error(),
	}
	if coded, ok := errors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusFor(err), errorResponse{Error: body})
}

// statusFor maps registered error codes to HTTP statuses. The code stays in
// the response body either way, so clients key on it rather than the status.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidArgument, activity.CodeActivityMalformed:
		return http.StatusBadRequest
	case errors.CodeUnauthorized, identity.CodeMissingToken, identity.CodeUnknownToken:
		return http.StatusUnauthorized
	case errors.CodeNotFound, offer.CodeOfferNotFound:
		return http.StatusNotFound
	case errors.CodeConflict, offer.CodeOfferLocked, offer.CodeOfferTerminal, offer.CodeOfferNonceUsed:
		return http.StatusConflict
	case offer.CodeOfferExpired:
		return http.StatusGone
	case offer.CodePolicyRejected, offer.CodeActiveLoan, offer.CodeBorrowerSuspended,
		offer.CodeInsufficientFunds, offer.CodeRepayGasActive, offer.CodeRepayGasCap:
		return http.StatusUnprocessableEntity
	case errors.CodeLedgerFailure:
		return http.StatusBadGateway
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parsePrincipal(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "principal is required")
	}
	principal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, "principal must be a base-10 integer")
	}
	return principal, nil
}

func hexEncode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hexutil.Encode(b)
}

func hexDecode(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	return hexutil.Decode(raw)
}
