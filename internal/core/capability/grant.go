// Package capability issues, revokes and evaluates capability grants.
//
// Grants and revocations are immutable, issuer-signed records carried as
// events of the permission domain. Authorization is a fold over that log:
// for a (subject, kind) pair the latest relevant record issued by the local
// peer decides.
package capability

import (
	"fmt"
	"time"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

// Grant is an issuer-signed permission for a subject.
type Grant struct {
	ID        string
	Issuer    types.PeerID
	Subject   types.PeerID
	Kind      types.CapabilityKind
	IssuedAt  time.Time
	ExpiresAt time.Time // zero means no expiry
	Signature []byte
}

// Revoke withdraws a grant.
type Revoke struct {
	GrantID   string
	Issuer    types.PeerID
	RevokedAt time.Time
	Signature []byte
}

// Active reports whether the grant is unexpired at now.
func (g *Grant) Active(now time.Time) bool {
	return g.ExpiresAt.IsZero() || now.Before(g.ExpiresAt)
}

func (g *Grant) body() []byte {
	var b []byte
	b = wire.AppendString(b, 1, g.ID)
	b = wire.AppendString(b, 2, string(g.Issuer))
	b = wire.AppendString(b, 3, string(g.Subject))
	b = wire.AppendVarint(b, 4, uint64(g.Kind))
	b = wire.AppendTime(b, 5, g.IssuedAt)
	b = wire.AppendTime(b, 6, g.ExpiresAt)
	return b
}

func (g *Grant) sign(s interface{ Sign([]byte) []byte }) {
	g.Signature = s.Sign(g.body())
}

// Verify checks the grant's fields and issuer signature.
func (g *Grant) Verify() error {
	if g.ID == "" || !g.Kind.Valid() {
		return fmt.Errorf("%w: malformed grant", types.ErrValidation)
	}
	if err := g.Subject.Validate(); err != nil {
		return fmt.Errorf("%w: grant subject: %v", types.ErrValidation, err)
	}
	if g.Subject == g.Issuer {
		return fmt.Errorf("%w: self grant", types.ErrValidation)
	}
	return crypto.VerifyFrom(g.Issuer, g.body(), g.Signature)
}

// Marshal encodes the grant including its signature.
func (g *Grant) Marshal() []byte {
	return wire.AppendBytes(g.body(), 15, g.Signature)
}

// UnmarshalGrant decodes a grant. The result is not verified.
func UnmarshalGrant(data []byte) (*Grant, error) {
	g := &Grant{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			g.ID = f.String()
		case 2:
			g.Issuer = types.PeerID(f.String())
		case 3:
			g.Subject = types.PeerID(f.String())
		case 4:
			g.Kind = types.CapabilityKind(f.Varint)
		case 5:
			g.IssuedAt = f.Time()
		case 6:
			g.ExpiresAt = f.Time()
		case 15:
			g.Signature = f.Copy()
		}
		return nil
	})
	return g, err
}

func (r *Revoke) body() []byte {
	var b []byte
	b = wire.AppendString(b, 1, r.GrantID)
	b = wire.AppendString(b, 2, string(r.Issuer))
	b = wire.AppendTime(b, 3, r.RevokedAt)
	return b
}

func (r *Revoke) sign(s interface{ Sign([]byte) []byte }) {
	r.Signature = s.Sign(r.body())
}

// Verify checks the revoke's issuer signature.
func (r *Revoke) Verify() error {
	if r.GrantID == "" {
		return fmt.Errorf("%w: malformed revoke", types.ErrValidation)
	}
	return crypto.VerifyFrom(r.Issuer, r.body(), r.Signature)
}

// Marshal encodes the revoke including its signature.
func (r *Revoke) Marshal() []byte {
	return wire.AppendBytes(r.body(), 15, r.Signature)
}

// UnmarshalRevoke decodes a revoke. The result is not verified.
func UnmarshalRevoke(data []byte) (*Revoke, error) {
	r := &Revoke{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			r.GrantID = f.String()
		case 2:
			r.Issuer = types.PeerID(f.String())
		case 3:
			r.RevokedAt = f.Time()
		case 15:
			r.Signature = f.Copy()
		}
		return nil
	})
	return r, err
}

// ============================================================================
//                              Event payload
// ============================================================================

// Record is the payload of a permission event: exactly one of Grant, Revoke.
type Record struct {
	Grant  *Grant
	Revoke *Revoke
}

// Issuer returns the issuer of whichever record is set.
func (r Record) Issuer() types.PeerID {
	if r.Grant != nil {
		return r.Grant.Issuer
	}
	return r.Revoke.Issuer
}

// EncodeRecord encodes a permission event payload.
func EncodeRecord(r Record) []byte {
	if r.Grant != nil {
		return wire.AppendBytes(nil, 1, r.Grant.Marshal())
	}
	return wire.AppendBytes(nil, 2, r.Revoke.Marshal())
}

// DecodeRecord decodes a permission event payload.
func DecodeRecord(data []byte) (Record, error) {
	var (
		rec  Record
		seen int
	)
	err := wire.Walk(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			seen++
			rec.Grant, err = UnmarshalGrant(f.Bytes)
		case 2:
			seen++
			rec.Revoke, err = UnmarshalRevoke(f.Bytes)
		}
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if seen != 1 {
		return Record{}, fmt.Errorf("%w: permission payload needs exactly one record", types.ErrValidation)
	}
	return rec, nil
}
