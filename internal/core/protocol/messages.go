package protocol

import (
	"fmt"
	"time"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

// Message is the decoded body of an envelope.
type Message interface {
	Kind() Kind
	Marshal() []byte
}

// Decode parses body as a message of kind k.
func Decode(k Kind, body []byte) (Message, error) {
	var (
		m   Message
		err error
	)
	switch k {
	case KindIdentify:
		v := &Identify{}
		m, err = v, v.unmarshal(body)
	case KindIdentifyResponse:
		v := &IdentifyResponse{}
		m, err = v, v.unmarshal(body)
	case KindIdentityRequest:
		m = &IdentityRequest{}
	case KindIdentityResponse:
		v := &IdentityResponse{}
		m, err = v, v.unmarshal(body)
	case KindPermissionRequest:
		v := &PermissionRequest{}
		m, err = v, v.unmarshal(body)
	case KindPermissionResponse:
		v := &PermissionResponse{}
		m, err = v, v.unmarshal(body)
	case KindPermissionGrant:
		v := &PermissionGrant{}
		m, err = v, v.unmarshal(body)
	case KindPermissionRevoke:
		v := &PermissionRevoke{}
		m, err = v, v.unmarshal(body)
	case KindDirectMessage:
		v := &DirectMessage{}
		m, err = v, v.unmarshal(body)
	case KindEventPush:
		v := &EventPush{}
		m, err = v, v.unmarshal(body)
	case KindMessageAck:
		v := &MessageAck{}
		m, err = v, v.unmarshal(body)
	case KindManifestRequest:
		v := &ManifestRequest{}
		m, err = v, v.unmarshal(body)
	case KindManifestResponse:
		v := &ManifestResponse{}
		m, err = v, v.unmarshal(body)
	case KindFetchRequest:
		v := &FetchRequest{}
		m, err = v, v.unmarshal(body)
	case KindFetchResponse:
		v := &FetchResponse{}
		m, err = v, v.unmarshal(body)
	case KindMediaChunkRequest:
		v := &MediaChunkRequest{}
		m, err = v, v.unmarshal(body)
	case KindMediaChunkResponse:
		v := &MediaChunkResponse{}
		m, err = v, v.unmarshal(body)
	case KindSignalingOffer:
		v := &SignalingOffer{}
		m, err = v, v.unmarshal(body)
	case KindSignalingAnswer:
		v := &SignalingAnswer{}
		m, err = v, v.unmarshal(body)
	case KindSignalingIce:
		v := &SignalingIce{}
		m, err = v, v.unmarshal(body)
	case KindSignalingHangup:
		v := &SignalingHangup{}
		m, err = v, v.unmarshal(body)
	case KindFindPeer:
		v := &FindPeer{}
		m, err = v, v.unmarshal(body)
	case KindFindPeerResponse:
		v := &FindPeerResponse{}
		m, err = v, v.unmarshal(body)
	case KindError:
		v := &Error{}
		m, err = v, v.unmarshal(body)
	case KindUnknown, kindCount:
		return nil, ErrUnknownKind
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return m, nil
}

// ============================================================================
//                              Identify
// ============================================================================

// Identify is the first exchange on every connection.
type Identify struct {
	ProtocolVersion string
	AgentVersion    string
	ListenAddrs     []string
	// ObservedAddr is how the sender sees the receiver.
	ObservedAddr string
	// RelayServer is set when the sender accepts relay reservations.
	RelayServer bool
}

func (m *Identify) Kind() Kind { return KindIdentify }

func (m *Identify) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.ProtocolVersion)
	b = wire.AppendString(b, 2, m.AgentVersion)
	b = wire.AppendStrings(b, 3, m.ListenAddrs)
	b = wire.AppendString(b, 4, m.ObservedAddr)
	b = wire.AppendBool(b, 5, m.RelayServer)
	return b
}

func (m *Identify) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.ProtocolVersion = f.String()
		case 2:
			m.AgentVersion = f.String()
		case 3:
			m.ListenAddrs = append(m.ListenAddrs, f.String())
		case 4:
			m.ObservedAddr = f.String()
		case 5:
			m.RelayServer = f.Bool()
		}
		return nil
	})
}

// IdentifyResponse answers Identify with the same fields.
type IdentifyResponse struct{ Identify }

func (m *IdentifyResponse) Kind() Kind { return KindIdentifyResponse }

// ============================================================================
//                              Identity
// ============================================================================

// IdentityRequest asks for the receiver's profile and public keys.
type IdentityRequest struct{}

func (m *IdentityRequest) Kind() Kind      { return KindIdentityRequest }
func (m *IdentityRequest) Marshal() []byte { return nil }

// IdentityResponse carries a profile and raw public keys.
type IdentityResponse struct {
	Profile      types.Profile
	PublicKey    []byte
	AgreementKey []byte
}

func (m *IdentityResponse) Kind() Kind { return KindIdentityResponse }

func (m *IdentityResponse) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, 1, m.Profile.DisplayName)
	b = wire.AppendString(b, 2, m.Profile.Bio)
	b = wire.AppendString(b, 3, m.Profile.AvatarHash)
	b = wire.AppendBytes(b, 4, m.PublicKey)
	b = wire.AppendBytes(b, 5, m.AgreementKey)
	return b
}

func (m *IdentityResponse) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Profile.DisplayName = f.String()
		case 2:
			m.Profile.Bio = f.String()
		case 3:
			m.Profile.AvatarHash = f.String()
		case 4:
			m.PublicKey = f.Copy()
		case 5:
			m.AgreementKey = f.Copy()
		}
		return nil
	})
}

// ============================================================================
//                              Permissions
// ============================================================================

// PermissionRequest asks the receiver to grant a capability.
type PermissionRequest struct {
	Capability types.CapabilityKind
	Message    string
}

func (m *PermissionRequest) Kind() Kind { return KindPermissionRequest }

func (m *PermissionRequest) Marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Capability))
	return wire.AppendString(b, 2, m.Message)
}

func (m *PermissionRequest) unmarshal(data []byte) error {
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Capability = types.CapabilityKind(f.Varint)
		case 2:
			m.Message = f.String()
		}
		return nil
	})
	if err == nil && !m.Capability.Valid() {
		err = fmt.Errorf("%w: capability %d", types.ErrValidation, m.Capability)
	}
	return err
}

// PermissionResponse acknowledges a request; Granted is set when the
// capability is already held.
type PermissionResponse struct {
	Granted bool
}

func (m *PermissionResponse) Kind() Kind      { return KindPermissionResponse }
func (m *PermissionResponse) Marshal() []byte { return wire.AppendBool(nil, 1, m.Granted) }

func (m *PermissionResponse) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		if f.Num == 1 {
			m.Granted = f.Bool()
		}
		return nil
	})
}

// ============================================================================
//                              Events
// ============================================================================

// EventBody carries one signed log event.
type EventBody struct {
	Event *eventlog.Event
}

func (m *EventBody) Marshal() []byte {
	if m.Event == nil {
		return nil
	}
	return wire.AppendBytes(nil, 1, m.Event.Marshal())
}

func (m *EventBody) unmarshal(data []byte) error {
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		e, err := eventlog.Unmarshal(f.Bytes)
		m.Event = e
		return err
	})
	if err == nil && m.Event == nil {
		err = fmt.Errorf("%w: missing event", types.ErrValidation)
	}
	return err
}

// PermissionGrant propagates a grant event to its subject.
type PermissionGrant struct{ EventBody }

func (m *PermissionGrant) Kind() Kind { return KindPermissionGrant }

// PermissionRevoke propagates a revoke event to the grant's subject.
type PermissionRevoke struct{ EventBody }

func (m *PermissionRevoke) Kind() Kind { return KindPermissionRevoke }

// DirectMessage delivers an encrypted message event.
type DirectMessage struct{ EventBody }

func (m *DirectMessage) Kind() Kind { return KindDirectMessage }

// EventPush propagates any other event to an authorized peer.
type EventPush struct{ EventBody }

func (m *EventPush) Kind() Kind { return KindEventPush }

// Message delivery states.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
	// StatusRejected is returned when the message is not accepted; the
	// sender learns nothing more.
	StatusRejected = "rejected"
)

// MessageAck reports delivery or read status of a direct message.
type MessageAck struct {
	MessageID string
	Status    string
	At        time.Time
}

func (m *MessageAck) Kind() Kind { return KindMessageAck }

func (m *MessageAck) Marshal() []byte {
	b := wire.AppendString(nil, 1, m.MessageID)
	b = wire.AppendString(b, 2, m.Status)
	return wire.AppendTime(b, 3, m.At)
}

func (m *MessageAck) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.MessageID = f.String()
		case 2:
			m.Status = f.String()
		case 3:
			m.At = f.Time()
		}
		return nil
	})
}

// ============================================================================
//                              Sync
// ============================================================================

// ManifestRequest lists what the requester holds of a domain above a
// watermark and asks for the responder's entries.
type ManifestRequest struct {
	Domain types.Domain
	Since  uint64
	// Have are the ids the requester holds above Since.
	Have  []string
	Limit uint32
}

func (m *ManifestRequest) Kind() Kind { return KindManifestRequest }

func (m *ManifestRequest) Marshal() []byte {
	b := wire.AppendString(nil, 1, string(m.Domain))
	b = wire.AppendVarint(b, 2, m.Since)
	b = wire.AppendStrings(b, 3, m.Have)
	return wire.AppendVarint(b, 4, uint64(m.Limit))
}

func (m *ManifestRequest) unmarshal(data []byte) error {
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Domain = types.Domain(f.String())
		case 2:
			m.Since = f.Varint
		case 3:
			m.Have = append(m.Have, f.String())
		case 4:
			m.Limit = uint32(f.Varint)
		}
		return nil
	})
	if err == nil && !m.Domain.Valid() {
		err = fmt.Errorf("%w: domain %q", types.ErrValidation, m.Domain)
	}
	return err
}

// ManifestEntry identifies one event.
type ManifestEntry struct {
	ID      string
	Lamport uint64
	Origin  types.PeerID
}

func (e ManifestEntry) marshal() []byte {
	b := wire.AppendString(nil, 1, e.ID)
	b = wire.AppendVarint(b, 2, e.Lamport)
	return wire.AppendString(b, 3, string(e.Origin))
}

func (e *ManifestEntry) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			e.ID = f.String()
		case 2:
			e.Lamport = f.Varint
		case 3:
			e.Origin = types.PeerID(f.String())
		}
		return nil
	})
}

// ManifestResponse lists the responder's entries the requester may see and
// the ids of the requester's it wants.
type ManifestResponse struct {
	Entries []ManifestEntry
	Want    []string
	// More is set when Entries was truncated at the request limit.
	More bool
}

func (m *ManifestResponse) Kind() Kind { return KindManifestResponse }

func (m *ManifestResponse) Marshal() []byte {
	var b []byte
	for _, e := range m.Entries {
		b = wire.AppendBytes(b, 1, e.marshal())
	}
	b = wire.AppendStrings(b, 2, m.Want)
	return wire.AppendBool(b, 3, m.More)
}

func (m *ManifestResponse) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			var e ManifestEntry
			if err := e.unmarshal(f.Bytes); err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		case 2:
			m.Want = append(m.Want, f.String())
		case 3:
			m.More = f.Bool()
		}
		return nil
	})
}

// FetchRequest asks for events by id.
type FetchRequest struct {
	Domain types.Domain
	IDs    []string
}

func (m *FetchRequest) Kind() Kind { return KindFetchRequest }

func (m *FetchRequest) Marshal() []byte {
	b := wire.AppendString(nil, 1, string(m.Domain))
	return wire.AppendStrings(b, 2, m.IDs)
}

func (m *FetchRequest) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Domain = types.Domain(f.String())
		case 2:
			m.IDs = append(m.IDs, f.String())
		}
		return nil
	})
}

// FetchResponse returns the requested events the requester may see. Ids
// that are unknown or not visible are silently left out.
type FetchResponse struct {
	Events []*eventlog.Event
}

func (m *FetchResponse) Kind() Kind { return KindFetchResponse }

func (m *FetchResponse) Marshal() []byte {
	var b []byte
	for _, e := range m.Events {
		b = wire.AppendBytes(b, 1, e.Marshal())
	}
	return b
}

func (m *FetchResponse) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		e, err := eventlog.Unmarshal(f.Bytes)
		if err != nil {
			return err
		}
		m.Events = append(m.Events, e)
		return nil
	})
}

// MediaChunkRequest asks for one chunk of a content-addressed blob.
type MediaChunkRequest struct {
	Hash  string
	Index uint32
}

func (m *MediaChunkRequest) Kind() Kind { return KindMediaChunkRequest }

func (m *MediaChunkRequest) Marshal() []byte {
	b := wire.AppendString(nil, 1, m.Hash)
	return wire.AppendVarint(b, 2, uint64(m.Index))
}

func (m *MediaChunkRequest) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Hash = f.String()
		case 2:
			m.Index = uint32(f.Varint)
		}
		return nil
	})
}

// MediaChunkResponse carries one chunk. Found is false when the blob is
// unknown or not shared with the requester.
type MediaChunkResponse struct {
	Hash     string
	Index    uint32
	Total    uint32
	Size     uint64
	MimeType string
	Data     []byte
	Found    bool
}

func (m *MediaChunkResponse) Kind() Kind { return KindMediaChunkResponse }

func (m *MediaChunkResponse) Marshal() []byte {
	b := wire.AppendString(nil, 1, m.Hash)
	b = wire.AppendVarint(b, 2, uint64(m.Index))
	b = wire.AppendVarint(b, 3, uint64(m.Total))
	b = wire.AppendVarint(b, 4, m.Size)
	b = wire.AppendString(b, 5, m.MimeType)
	b = wire.AppendBytes(b, 6, m.Data)
	return wire.AppendBool(b, 7, m.Found)
}

func (m *MediaChunkResponse) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Hash = f.String()
		case 2:
			m.Index = uint32(f.Varint)
		case 3:
			m.Total = uint32(f.Varint)
		case 4:
			m.Size = f.Varint
		case 5:
			m.MimeType = f.String()
		case 6:
			m.Data = f.Copy()
		case 7:
			m.Found = f.Bool()
		}
		return nil
	})
}

// ============================================================================
//                              Signaling
// ============================================================================

// Signal is opaque call negotiation carried between peers.
type Signal struct {
	CallID    string
	SDP       string
	Candidate string
	Reason    string
}

func (m *Signal) Marshal() []byte {
	b := wire.AppendString(nil, 1, m.CallID)
	b = wire.AppendString(b, 2, m.SDP)
	b = wire.AppendString(b, 3, m.Candidate)
	return wire.AppendString(b, 4, m.Reason)
}

func (m *Signal) unmarshal(data []byte) error {
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.CallID = f.String()
		case 2:
			m.SDP = f.String()
		case 3:
			m.Candidate = f.String()
		case 4:
			m.Reason = f.String()
		}
		return nil
	})
	if err == nil && m.CallID == "" {
		err = fmt.Errorf("%w: missing call id", types.ErrValidation)
	}
	return err
}

// SignalingOffer opens a call.
type SignalingOffer struct{ Signal }

func (m *SignalingOffer) Kind() Kind { return KindSignalingOffer }

// SignalingAnswer accepts a call.
type SignalingAnswer struct{ Signal }

func (m *SignalingAnswer) Kind() Kind { return KindSignalingAnswer }

// SignalingIce carries one ICE candidate.
type SignalingIce struct{ Signal }

func (m *SignalingIce) Kind() Kind { return KindSignalingIce }

// SignalingHangup ends a call.
type SignalingHangup struct{ Signal }

func (m *SignalingHangup) Kind() Kind { return KindSignalingHangup }

// ============================================================================
//                              Routing
// ============================================================================

// FindPeer asks for the peers closest to Target the receiver knows.
type FindPeer struct {
	Target types.PeerID
}

func (m *FindPeer) Kind() Kind { return KindFindPeer }

func (m *FindPeer) Marshal() []byte { return wire.AppendString(nil, 1, string(m.Target)) }

func (m *FindPeer) unmarshal(data []byte) error {
	err := wire.Walk(data, func(f wire.Field) error {
		if f.Num == 1 {
			m.Target = types.PeerID(f.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.Target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return nil
}

// PeerAddrs is a peer id with its multiaddrs in string form.
type PeerAddrs struct {
	ID    types.PeerID
	Addrs []string
}

func (p PeerAddrs) marshal() []byte {
	b := wire.AppendString(nil, 1, string(p.ID))
	return wire.AppendStrings(b, 2, p.Addrs)
}

func (p *PeerAddrs) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.ID = types.PeerID(f.String())
		case 2:
			p.Addrs = append(p.Addrs, f.String())
		}
		return nil
	})
}

// FindPeerResponse lists the closest known peers. Found is set when the
// target itself is among them.
type FindPeerResponse struct {
	Closer []PeerAddrs
	Found  bool
}

func (m *FindPeerResponse) Kind() Kind { return KindFindPeerResponse }

func (m *FindPeerResponse) Marshal() []byte {
	var b []byte
	for _, p := range m.Closer {
		b = wire.AppendBytes(b, 1, p.marshal())
	}
	return wire.AppendBool(b, 2, m.Found)
}

func (m *FindPeerResponse) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			var p PeerAddrs
			if err := p.unmarshal(f.Bytes); err != nil {
				return err
			}
			if err := p.ID.Validate(); err != nil {
				return fmt.Errorf("%w: %v", types.ErrValidation, err)
			}
			m.Closer = append(m.Closer, p)
		case 2:
			m.Found = f.Bool()
		}
		return nil
	})
}

// ============================================================================
//                              Error
// ============================================================================

// Error is returned instead of a response when a request cannot be served.
type Error struct {
	Code    uint32
	Message string
}

func (m *Error) Kind() Kind { return KindError }

func (m *Error) Marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Code))
	return wire.AppendString(b, 2, m.Message)
}

func (m *Error) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Code = uint32(f.Varint)
		case 2:
			m.Message = f.String()
		}
		return nil
	})
}

func (m *Error) Error() string { return fmt.Sprintf("remote error %d: %s", m.Code, m.Message) }
