package model

// EventType はWebhookイベントの種別を表す。
// 未知の種別はEventUnrecognizedに分類され、フィールドの推測は行わない。
type EventType string

const (
	// EventNegotiationStarted は新規交渉の開始イベント。
	EventNegotiationStarted EventType = "negotiation_started"
	// EventNegotiationMessage は交渉メッセージイベント。
	EventNegotiationMessage EventType = "negotiation_message"
	// EventNegotiationCompleted は交渉の成立イベント。
	EventNegotiationCompleted EventType = "negotiation_completed"
	// EventUnrecognized はサポート外のイベント種別。
	EventUnrecognized EventType = "unrecognized"
)

// ParseEventType はevent_typeフィールドの文字列をEventTypeに分類する。
// 空文字列はメッセージイベントとして扱う（送信元が種別を省略するケースがある）。
func ParseEventType(s string) EventType {
	switch s {
	case "":
		return EventNegotiationMessage
	case string(EventNegotiationStarted):
		return EventNegotiationStarted
	case string(EventNegotiationMessage):
		return EventNegotiationMessage
	case string(EventNegotiationCompleted):
		return EventNegotiationCompleted
	default:
		return EventUnrecognized
	}
}

// NegotiationEvent はWebhookペイロードから抽出した交渉イベントを表す。
// ルーティング1回分の間だけ存在する一時データで、永続化しない。
type NegotiationEvent struct {
	Type            EventType
	NegotiationHash string
	Message         string
	SenderUsername  string // client_usernameフィールド由来。メッセージの送信者
	ListingOwner    string // listing_owner_username。フォールバックルーティング用（任意）
	ListingTitle    string
	ListingPrice    string
	ListingLocation string
}

// NegotiationParticipants は交渉の両参加者を表す。
// イベントごとに外部APIから取得し、キャッシュしない。
type NegotiationParticipants struct {
	NegotiationHash    string
	AdvertiserUsername string // 出品者（リスティング所有者）
	ClientUsername     string // 購入希望者
}
