// Package protocol implements the duplex request/response and subscription
// protocol spoken with the venue, plus the signing of user intents.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Venue methods.
const (
	MethodOpenAccount           = "openAccount"
	MethodDeposit               = "deposit"
	MethodWithdraw              = "withdraw"
	MethodTrade                 = "trade"
	MethodGrantAccountUserRole  = "grantAccountUserRole"
	MethodRevokeAccountUserRole = "revokeAccountUserRole"
	MethodSetSystemParam        = "setSystemParam"
	MethodClearSystemParam      = "clearSystemParam"
	MethodGetLpConfig           = "getLpConfig"
	MethodGetNonce              = "getNonce"
	MethodSubscribe             = "subscribe"
)

// Subscription topics. Liquidity pool subscriptions publish under the
// lpPair* sub-topics.
const (
	TopicTradeAccount       = "tradeAccount"
	TopicLiquidityPool      = "liquidityPool"
	TopicLpPairTradeability = "lpPairTradeability"
	TopicLpPairState        = "lpPairState"
)

// ResultTypePublication marks a response that carries a subscription
// publication rather than the answer to a request.
const ResultTypePublication = "publication"

// Request is the wire envelope of a call to the venue.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the wire envelope of everything the venue sends back:
// answers to requests and, keyed by subscription id, publications.
type Response struct {
	ID     string  `json:"id"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Result is the typed payload of a response.
type Result struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// publicationContent is Result.Content for publications.
type publicationContent struct {
	Topic   string          `json:"topic"`
	Content json.RawMessage `json:"content"`
}

// subscribeParams is the params object of a subscribe request.
type subscribeParams struct {
	Topic  string          `json:"topic"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsPublication reports whether the response is a subscription publication.
func (r *Response) IsPublication() bool {
	return r.Result != nil && r.Result.Type == ResultTypePublication
}

// Decode unmarshals the result content into v.
func (r *Response) Decode(v any) error {
	if r.Result == nil || len(r.Result.Content) == 0 {
		return fmt.Errorf("protocol: response %s has no result content", r.ID)
	}
	if err := json.Unmarshal(r.Result.Content, v); err != nil {
		return fmt.Errorf("protocol: decode %s result: %w", r.Result.Type, err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params: %w", err)
	}
	return data, nil
}
