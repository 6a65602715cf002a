// Package keymgmt implements C5, the key-management commands: Cache,
// Evict, Export, Commit, and Erase. Each operates on a live
// client.ClientContext and a server-side key slot named by a wire.KeyID.
package keymgmt

import (
	"fmt"

	"github.com/shadowmesh/hsmproto/client"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// exchange busy-retries a full send+recv round trip against ctx, mirroring
// the canonical "Xxx" convenience wrapper pattern client.ClientContext
// itself uses for COMM commands.
func exchange(ctx *client.ClientContext, group wire.Group, action byte, payload []byte) (client.Decoded, error) {
	for {
		_, err := ctx.SendRequest(group, action, payload)
		if status.Is(err, status.NotReady) {
			continue
		}
		if err != nil {
			return client.Decoded{}, err
		}
		break
	}
	for {
		d, err := ctx.RecvResponse()
		if status.Is(err, status.NotReady) {
			continue
		}
		return d, err
	}
}

// Cache places key material into HSM RAM under id (or a fresh server-
// assigned id if id == wire.KeyIDErased), returning the id actually used
// (spec §4.5).
func Cache(ctx *client.ClientContext, id wire.KeyID, flags uint32, label []byte, key []byte) (wire.KeyID, error) {
	req := wire.NewKeyCacheRequest(id, flags, label, uint32(len(key)))
	payload := append(wire.EncodeKeyCacheRequest(req), key...)

	d, err := exchange(ctx, wire.GroupKey, wire.ActionKeyCache, payload)
	if err != nil {
		return wire.KeyIDErased, err
	}

	rc, body, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return wire.KeyIDErased, status.Wrap(status.Aborted, err)
	}
	if rc != 0 {
		return wire.KeyIDErased, status.Code(rc)
	}

	res, err := wire.DecodeKeyCacheResponse(body)
	if err != nil {
		return wire.KeyIDErased, status.Wrap(status.Aborted, err)
	}
	return res.ID, nil
}

// Evict drops the in-RAM cache entry for id belonging to ctx's client_id.
// Evicting a key owned by a different client_id yields NOTFOUND (spec
// §4.5, §8 property 4).
func Evict(ctx *client.ClientContext, id wire.KeyID) error {
	return emptyBodyExchange(ctx, wire.ActionKeyEvict, id)
}

// Commit promotes a cached entry to persistent storage (spec §4.5).
func Commit(ctx *client.ClientContext, id wire.KeyID) error {
	return emptyBodyExchange(ctx, wire.ActionKeyCommit, id)
}

// Erase removes id from both cache and persistent storage; subsequent
// Export returns NOTFOUND (spec §4.5, §8 property 6).
func Erase(ctx *client.ClientContext, id wire.KeyID) error {
	return emptyBodyExchange(ctx, wire.ActionKeyErase, id)
}

func emptyBodyExchange(ctx *client.ClientContext, action byte, id wire.KeyID) error {
	payload := wire.EncodeKeyIDRequest(wire.KeyIDRequest{ID: id})
	d, err := exchange(ctx, wire.GroupKey, action, payload)
	if err != nil {
		return err
	}
	rc, _, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return status.Wrap(status.Aborted, err)
	}
	if rc != 0 {
		return status.Code(rc)
	}
	return nil
}

// ErrExportBufferTooSmall is returned by Export when out is non-nil but
// shorter than the key material held at id; it carries status.Aborted
// (spec §4.4 rule 3).
type ErrExportBufferTooSmall struct {
	Required int
}

func (e *ErrExportBufferTooSmall) Error() string {
	return "keymgmt: export buffer too small"
}

// Export retrieves the label and key material stored at id.
//
// If out is nil, Export performs the round trip, discards the key bytes,
// and returns (label, nil, requiredLen, nil) so the caller can size a
// buffer for a follow-up call (spec §4.4 rule 3, first clause).
//
// If out is non-nil but shorter than the stored key, Export returns
// status.Aborted wrapping *ErrExportBufferTooSmall, with requiredLen set.
//
// Otherwise exactly the stored key bytes are copied into out[:requiredLen]
// and returned.
func Export(ctx *client.ClientContext, id wire.KeyID, out []byte) (label []byte, data []byte, requiredLen int, err error) {
	payload := wire.EncodeKeyIDRequest(wire.KeyIDRequest{ID: id})
	d, err := exchange(ctx, wire.GroupKey, wire.ActionKeyExport, payload)
	if err != nil {
		return nil, nil, 0, err
	}

	rc, body, err := wire.DecodeStub(d.Payload)
	if err != nil {
		return nil, nil, 0, status.Wrap(status.Aborted, err)
	}
	if rc != 0 {
		return nil, nil, 0, status.Code(rc)
	}

	res, err := wire.DecodeKeyExportResponse(body)
	if err != nil {
		return nil, nil, 0, status.Wrap(status.Aborted, err)
	}
	required := int(res.Len)

	tail := body[4+wire.NVMLabelLen:]
	if len(tail) < required {
		return nil, nil, 0, status.Wrap(status.Aborted, fmt.Errorf("keymgmt: response declares %d key bytes but only %d follow", required, len(tail)))
	}
	keyBytes := tail[:required]

	labelOut := make([]byte, wire.NVMLabelLen)
	copy(labelOut, res.Label[:])

	if out == nil {
		return labelOut, nil, required, nil
	}
	if len(out) < required {
		return labelOut, nil, required, status.Wrap(status.Aborted, &ErrExportBufferTooSmall{Required: required})
	}

	n := copy(out, keyBytes)
	return labelOut, out[:n], required, nil
}
