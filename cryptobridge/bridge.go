// Package cryptobridge implements C6, the crypto provider bridge: it lets
// algorithm objects (RNG, AES, RSA, ECC, Curve25519) owned by a host crypto
// library offload key-bound operations to the HSM by reference to an
// opaque wire.KeyID, while falling back to a cache-then-use path when no
// key is bound. The XxxLocal functions are separate software-provider
// equivalents; no bridge operation falls back to them.
//
// The reference source tags a keyId into an algorithm object's devCtx
// pointer field via integer-to-pointer conversion. This package never does
// that: per spec §9's design note, it keeps an explicit side-table mapping
// an algorithm object's identity to its bound wire.KeyID instead of
// smuggling an integer through a pointer-typed slot.
package cryptobridge

import (
	"fmt"
	"sync"

	"github.com/shadowmesh/hsmproto/client"
	"github.com/shadowmesh/hsmproto/keymgmt"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/wire"
)

// DevID identifies the registered bridge instance to the host crypto
// library, the way the reference source registers one callback per
// well-known DEV_ID (spec §4.6, §6).
type DevID uint32

// DefaultDevID is the well-known device id used when a caller does not
// need to distinguish multiple bridges.
const DefaultDevID DevID = 0x4853 // "HS"

var registry struct {
	mu    sync.Mutex
	inUse map[DevID]bool
}

func init() {
	registry.inUse = make(map[DevID]bool)
}

// Bridge is the crypto provider bridge bound to one ClientContext. Only
// one Bridge may hold a given DevID's registration at a time (spec §5:
// "the crypto bridge registers a process-wide callback keyed by DEV_ID;
// only one ClientContext may hold that registration at a time").
type Bridge struct {
	devID DevID
	ctx   *client.ClientContext

	handlesMu sync.Mutex
	handles   map[any]wire.KeyID
}

// New creates a Bridge for devID. Call client.Init with this Bridge as
// Config.Crypto to register it against a live context.
func New(devID DevID) *Bridge {
	return &Bridge{devID: devID, handles: make(map[any]wire.KeyID)}
}

// Init registers the bridge against b.devID and binds it to ctx. It fails
// with status.Locked if another Bridge already holds that registration
// (spec §5).
func (b *Bridge) Init(ctx *client.ClientContext) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.inUse[b.devID] {
		return status.Wrap(status.Locked, fmt.Errorf("cryptobridge: devId %#x already registered", b.devID))
	}
	registry.inUse[b.devID] = true
	b.ctx = ctx
	return nil
}

// Cleanup deregisters the bridge. Idempotent.
func (b *Bridge) Cleanup() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.inUse[b.devID] {
		delete(registry.inUse, b.devID)
	}
	b.ctx = nil
	return nil
}

// bind stores keyId into the side-table keyed by obj's identity. obj is
// expected to be a pointer (*AESKey, *RSAKey, *ECCKey, *Curve25519Key);
// Go's map equality over an interface holding a pointer compares pointer
// identity, which is exactly the "tagged handle" the reference source
// achieves through devCtx.
func (b *Bridge) bind(obj any, keyID wire.KeyID) {
	b.handlesMu.Lock()
	defer b.handlesMu.Unlock()
	b.handles[obj] = keyID
}

func (b *Bridge) lookup(obj any) (wire.KeyID, bool) {
	b.handlesMu.Lock()
	defer b.handlesMu.Unlock()
	id, ok := b.handles[obj]
	return id, ok
}

func (b *Bridge) unbind(obj any) {
	b.handlesMu.Lock()
	defer b.handlesMu.Unlock()
	delete(b.handles, obj)
}

// cacheEphemeral caches keyMaterial under a fresh server-assigned id, for
// the cache-then-use fallback used when an algorithm object has no bound
// keyId (spec §4.6: "it sends a Cache of the ephemeral key material,
// performs the operation, and Evicts on teardown").
func (b *Bridge) cacheEphemeral(label string, keyMaterial []byte) (wire.KeyID, error) {
	return keymgmt.Cache(b.ctx, wire.KeyIDErased, 0, []byte(label), keyMaterial)
}

func (b *Bridge) evictEphemeral(id wire.KeyID) {
	_ = keymgmt.Evict(b.ctx, id)
}
