package protocol

import "fmt"

// Kind tags a message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindIdentify
	KindIdentifyResponse
	KindIdentityRequest
	KindIdentityResponse
	KindPermissionRequest
	KindPermissionResponse
	KindPermissionGrant
	KindPermissionRevoke
	KindDirectMessage
	KindMessageAck
	KindEventPush
	KindManifestRequest
	KindManifestResponse
	KindFetchRequest
	KindFetchResponse
	KindMediaChunkRequest
	KindMediaChunkResponse
	KindSignalingOffer
	KindSignalingAnswer
	KindSignalingIce
	KindSignalingHangup
	KindFindPeer
	KindFindPeerResponse
	KindError

	kindCount
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindIdentify:           "identify",
	KindIdentifyResponse:   "identify-response",
	KindIdentityRequest:    "identity-request",
	KindIdentityResponse:   "identity-response",
	KindPermissionRequest:  "permission-request",
	KindPermissionResponse: "permission-response",
	KindPermissionGrant:    "permission-grant",
	KindPermissionRevoke:   "permission-revoke",
	KindDirectMessage:      "direct-message",
	KindMessageAck:         "message-ack",
	KindEventPush:          "event-push",
	KindManifestRequest:    "manifest-request",
	KindManifestResponse:   "manifest-response",
	KindFetchRequest:       "fetch-request",
	KindFetchResponse:      "fetch-response",
	KindMediaChunkRequest:  "media-chunk-request",
	KindMediaChunkResponse: "media-chunk-response",
	KindSignalingOffer:     "signaling-offer",
	KindSignalingAnswer:    "signaling-answer",
	KindSignalingIce:       "signaling-ice",
	KindSignalingHangup:    "signaling-hangup",
	KindFindPeer:           "find-peer",
	KindFindPeerResponse:   "find-peer-response",
	KindError:              "error",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known, non-zero kind.
func (k Kind) Valid() bool { return k > KindUnknown && k < kindCount }

// Response returns the kind that answers k, or KindUnknown when k is
// fire-and-forget or itself a response.
func (k Kind) Response() Kind {
	switch k {
	case KindIdentify:
		return KindIdentifyResponse
	case KindIdentityRequest:
		return KindIdentityResponse
	case KindPermissionRequest:
		return KindPermissionResponse
	case KindDirectMessage:
		return KindMessageAck
	case KindManifestRequest:
		return KindManifestResponse
	case KindFetchRequest:
		return KindFetchResponse
	case KindMediaChunkRequest:
		return KindMediaChunkResponse
	case KindFindPeer:
		return KindFindPeerResponse
	default:
		return KindUnknown
	}
}

// IsRequest reports whether k expects a response.
func (k Kind) IsRequest() bool { return k.Response() != KindUnknown }

// IsSignaling reports whether k carries call negotiation.
func (k Kind) IsSignaling() bool {
	switch k {
	case KindSignalingOffer, KindSignalingAnswer, KindSignalingIce, KindSignalingHangup:
		return true
	}
	return false
}
