package events

import (
	"strconv"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

const (
	TypeLinkConnected       = "link.connected"
	TypeLinkDisconnected    = "link.disconnected"
	TypePacketFulfilled     = "packet.fulfilled"
	TypePacketRejected      = "packet.rejected"
	TypeSettlementTriggered = "settlement.triggered"
	TypeBreakerStateChanged = "breaker.state_changed"
)

// LinkConnected is published once a link to an account completes its handshake.
type LinkConnected struct {
	AccountID accounts.AccountID
	LinkType  string
}

func (LinkConnected) EventType() string { return TypeLinkConnected }

// LinkDisconnected is published when a link closes, locally or by the peer.
type LinkDisconnected struct {
	AccountID accounts.AccountID
	Reason    string
}

func (LinkDisconnected) EventType() string { return TypeLinkDisconnected }

// PacketFulfilled records a prepare forwarded and fulfilled downstream.
type PacketFulfilled struct {
	SourceAccount      accounts.AccountID
	DestinationAccount accounts.AccountID
	Destination        ilp.Address
	SourceAmount       uint64
	DestinationAmount  uint64
	Fulfillment        [32]byte
}

func (PacketFulfilled) EventType() string { return TypePacketFulfilled }

// PacketRejected records a prepare that ended in a reject, local or downstream.
type PacketRejected struct {
	SourceAccount accounts.AccountID
	Destination   ilp.Address
	Amount        uint64
	Code          ilp.ErrorCode
	TriggeredBy   ilp.Address
	Message       string
}

func (PacketRejected) EventType() string { return TypePacketRejected }

// SettlementTriggered is published when a fulfill pushes an account past its
// settlement threshold.
type SettlementTriggered struct {
	AccountID accounts.AccountID
	Amount    int64
}

func (SettlementTriggered) EventType() string { return TypeSettlementTriggered }

// BreakerStateChanged is published on circuit breaker transitions.
type BreakerStateChanged struct {
	AccountID accounts.AccountID
	From      string
	To        string
}

func (BreakerStateChanged) EventType() string { return TypeBreakerStateChanged }

// Attributes flattens an event for logging and the admin API.
func Attributes(ev Event) map[string]string {
	switch e := ev.(type) {
	case LinkConnected:
		return map[string]string{"account": e.AccountID.String(), "linkType": e.LinkType}
	case LinkDisconnected:
		return map[string]string{"account": e.AccountID.String(), "reason": e.Reason}
	case PacketFulfilled:
		return map[string]string{
			"sourceAccount":      e.SourceAccount.String(),
			"destinationAccount": e.DestinationAccount.String(),
			"destination":        e.Destination.String(),
			"sourceAmount":       strconv.FormatUint(e.SourceAmount, 10),
			"destinationAmount":  strconv.FormatUint(e.DestinationAmount, 10),
		}
	case PacketRejected:
		return map[string]string{
			"sourceAccount": e.SourceAccount.String(),
			"destination":   e.Destination.String(),
			"amount":        strconv.FormatUint(e.Amount, 10),
			"code":          string(e.Code),
			"triggeredBy":   e.TriggeredBy.String(),
			"message":       e.Message,
		}
	case SettlementTriggered:
		return map[string]string{"account": e.AccountID.String(), "amount": strconv.FormatInt(e.Amount, 10)}
	case BreakerStateChanged:
		return map[string]string{"account": e.AccountID.String(), "from": e.From, "to": e.To}
	default:
		return map[string]string{}
	}
}
