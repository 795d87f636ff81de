package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hitoshi/marketrelay/internal/model"
)

// flexString は文字列・数値のどちらでも受け付けるJSONフィールド。
// UEXのWebhookペイロードはlisting_priceを数値で送ることも文字列で送ることもある。
type flexString string

// UnmarshalJSON はstring/numberの両方をstringとして取り込む。
func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexString(strconv.FormatBool(b))
		return nil
	}
	return fmt.Errorf("unsupported JSON value: %s", string(data))
}

// eventPayload はWebhookペイロードのワイヤ形式。
type eventPayload struct {
	EventType            string     `json:"event_type"`
	NegotiationHash      string     `json:"negotiation_hash"`
	Message              string     `json:"message"`
	ClientUsername       string     `json:"client_username"`
	ListingOwnerUsername string     `json:"listing_owner_username"`
	ListingTitle         string     `json:"listing_title"`
	ListingPrice         flexString `json:"listing_price"`
	ListingLocation      string     `json:"listing_location"`
}

// ParseEvent は生のWebhookボディをNegotiationEventに解析する。
// negotiation_hash・message・client_usernameのいずれかが欠けている場合は
// model.ErrMalformedEventを返す（通知は一切行わない）。
func ParseEvent(rawBody []byte) (*model.NegotiationEvent, error) {
	var payload eventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: JSONの解析に失敗しました", model.ErrMalformedEvent)
	}

	var missing []string
	if payload.NegotiationHash == "" {
		missing = append(missing, "negotiation_hash")
	}
	if payload.Message == "" {
		missing = append(missing, "message")
	}
	if payload.ClientUsername == "" {
		missing = append(missing, "client_username")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: 必須フィールドがありません: %v", model.ErrMalformedEvent, missing)
	}

	return &model.NegotiationEvent{
		Type:            model.ParseEventType(payload.EventType),
		NegotiationHash: payload.NegotiationHash,
		Message:         payload.Message,
		SenderUsername:  payload.ClientUsername,
		ListingOwner:    payload.ListingOwnerUsername,
		ListingTitle:    payload.ListingTitle,
		ListingPrice:    string(payload.ListingPrice),
		ListingLocation: payload.ListingLocation,
	}, nil
}
