// Package hsmserver is a reference HSM dispatch loop: a minimal
// implementation of the server half of the wire contract (spec §6), kept
// in-process so client, keymgmt, and cryptobridge can be exercised
// end-to-end without a real hardware module. It partitions cached keys by
// client_id, promotes committed keys to a pluggable nvmstore.Store, and
// dispatches custom callbacks through a registration table.
package hsmserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/shadowmesh/hsmproto/nvmstore"
	"github.com/shadowmesh/hsmproto/status"
	"github.com/shadowmesh/hsmproto/transport"
	"github.com/shadowmesh/hsmproto/wire"
)

// CustomHandler answers a CUSTOM/INVOKE request addressed to a given id,
// on behalf of the client_id that sent it.
type CustomHandler func(clientID uint32, typ wire.CustomCbType, data []byte) (respData []byte, err error)

// Config configures a Server.
type Config struct {
	ServerID  uint32
	Transport transport.Transport
	NVM       nvmstore.Store
}

type cacheEntry struct {
	label [wire.NVMLabelLen]byte
	key   []byte
}

// Server is a reference implementation of the HSM side of the protocol.
// It is not part of C1-C6; it exists to give the client-side driver a
// real peer to talk to in tests and in the cmd/mockhsmd binary.
type Server struct {
	serverID  uint32
	transport transport.Transport
	nvm       nvmstore.Store

	mu     sync.Mutex
	cache  map[uint32]map[wire.KeyID]cacheEntry
	nextID uint32

	handlersMu sync.RWMutex
	handlers   map[uint32]CustomHandler
}

// New constructs a Server. If cfg.NVM is nil, an in-memory store is used.
func New(cfg Config) *Server {
	nvm := cfg.NVM
	if nvm == nil {
		nvm = nvmstore.NewMemory()
	}
	return &Server{
		serverID:  cfg.ServerID,
		transport: cfg.Transport,
		nvm:       nvm,
		cache:     make(map[uint32]map[wire.KeyID]cacheEntry),
		handlers:  make(map[uint32]CustomHandler),
	}
}

// RegisterCustomHandler installs the handler invoked for CUSTOM/INVOKE
// requests addressed to id. A zero-value id may be used like any other.
func (s *Server) RegisterCustomHandler(id uint32, h CustomHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[id] = h
}

// CachedKey returns the raw key bytes cached at (clientID, id), for custom
// callback handlers (e.g. cryptobridge's algorithm bridges) that need to
// perform a key-bound operation on the server's behalf without exposing
// the material back over the wire. ok is false if nothing is cached there.
func (s *Server) CachedKey(clientID uint32, id wire.KeyID) (key []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.cache[clientID]
	if bucket == nil {
		return nil, false
	}
	entry, found := bucket[id]
	if !found {
		return nil, false
	}
	return append([]byte(nil), entry.key...), true
}

// Init starts the underlying transport.
func (s *Server) Init() error {
	return s.transport.Init()
}

// Cleanup tears down the underlying transport.
func (s *Server) Cleanup() error {
	return s.transport.Cleanup()
}

// Step attempts to service one request. It returns status.NotReady if no
// frame was available; callers typically call Step in a loop (see
// cmd/mockhsmd).
func (s *Server) Step(ctx context.Context) error {
	buf := make([]byte, transport.MTU+wire.HeaderSize)
	n, err := s.transport.Recv(buf)
	if err != nil {
		if err == transport.ErrNotReady {
			return status.NotReady
		}
		return status.Wrap(status.Transport, err)
	}
	if n < wire.HeaderSize {
		return status.Wrap(status.Aborted, errShortFrame(n))
	}

	h, err := wire.DecodeHeader(buf[:n])
	if err != nil {
		return status.Wrap(status.Aborted, err)
	}
	payload := buf[wire.HeaderSize:n]
	if int(h.Size) > len(payload) {
		return status.Wrap(status.Aborted, errShortFrame(n))
	}
	payload = payload[:h.Size]

	respBody, rc := s.dispatch(ctx, h, payload)
	return s.reply(h, rc, respBody)
}

func (s *Server) reply(h wire.Header, rc int32, body []byte) error {
	payload := append(wire.EncodeStub(rc), body...)
	respHeader := wire.Header{
		Magic:    wire.MagicNative,
		Kind:     h.Kind,
		Size:     uint16(len(payload)),
		ReqID:    h.ReqID,
		ClientID: h.ClientID,
	}
	frame := append(wire.EncodeHeader(respHeader), payload...)
	if err := s.transport.Send(frame); err != nil {
		if err == transport.ErrNotReady {
			return status.NotReady
		}
		return status.Wrap(status.Transport, err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, h wire.Header, payload []byte) ([]byte, int32) {
	group, action := h.Kind.Split()
	switch group {
	case wire.GroupComm:
		return s.dispatchComm(action, h, payload)
	case wire.GroupKey:
		return s.dispatchKey(action, h.ClientID, payload)
	case wire.GroupCustom:
		return s.dispatchCustom(h.ClientID, action, payload)
	default:
		return nil, int32(status.BadArgs)
	}
}

func (s *Server) dispatchComm(action byte, h wire.Header, payload []byte) ([]byte, int32) {
	switch action {
	case wire.ActionCommInit:
		req, err := wire.DecodeCommInitRequest(payload)
		if err != nil {
			return nil, int32(status.BadArgs)
		}
		res := wire.CommInitResponse{ClientID: req.ClientID, ServerID: s.serverID}
		return wire.EncodeCommInitResponse(res), 0

	case wire.ActionCommClose:
		// Open question 1 (spec §9): fully tear down the client's cached
		// keys on a confirmed close.
		s.mu.Lock()
		delete(s.cache, h.ClientID)
		s.mu.Unlock()
		return nil, 0

	case wire.ActionCommEcho:
		d, err := wire.DecodeCommLenData(payload)
		if err != nil {
			return nil, int32(status.BadArgs)
		}
		return wire.EncodeCommLenData(d), 0

	default:
		return nil, int32(status.BadArgs)
	}
}

func (s *Server) dispatchKey(action byte, clientID uint32, payload []byte) ([]byte, int32) {
	switch action {
	case wire.ActionKeyCache:
		return s.handleCache(clientID, payload)
	case wire.ActionKeyEvict:
		return s.handleEvict(clientID, payload)
	case wire.ActionKeyExport:
		return s.handleExport(clientID, payload)
	case wire.ActionKeyCommit:
		return s.handleCommit(clientID, payload)
	case wire.ActionKeyErase:
		return s.handleErase(clientID, payload)
	default:
		return nil, int32(status.BadArgs)
	}
}

func (s *Server) handleCache(clientID uint32, payload []byte) ([]byte, int32) {
	req, err := wire.DecodeKeyCacheRequest(payload)
	if err != nil {
		return nil, int32(status.BadArgs)
	}
	const fixedSize = 2 + 4 + 4 + 4 + wire.NVMLabelLen
	if len(payload) < fixedSize {
		return nil, int32(status.BadArgs)
	}
	tail := payload[fixedSize:]
	if int(req.Sz) > len(tail) {
		return nil, int32(status.BadArgs)
	}
	key := append([]byte(nil), tail[:req.Sz]...)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.cache[clientID]
	if bucket == nil {
		bucket = make(map[wire.KeyID]cacheEntry)
		s.cache[clientID] = bucket
	}

	id := req.ID
	if id == wire.KeyIDErased {
		s.nextID++
		id = wire.KeyID(s.nextID)
	} else if _, exists := bucket[id]; exists {
		// Open question 2 (spec §9): no server under test to match, so a
		// re-Cache of a live id is rejected rather than silently overwritten.
		return nil, int32(status.BadArgs)
	}

	bucket[id] = cacheEntry{label: req.Label, key: key}
	return wire.EncodeKeyCacheResponse(wire.KeyCacheResponse{ID: id}), 0
}

func (s *Server) handleEvict(clientID uint32, payload []byte) ([]byte, int32) {
	req, err := wire.DecodeKeyIDRequest(payload)
	if err != nil {
		return nil, int32(status.BadArgs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.cache[clientID]
	if bucket == nil {
		return nil, int32(status.NotFound)
	}
	if _, ok := bucket[req.ID]; !ok {
		return nil, int32(status.NotFound)
	}
	delete(bucket, req.ID)
	return nil, 0
}

func (s *Server) handleExport(clientID uint32, payload []byte) ([]byte, int32) {
	req, err := wire.DecodeKeyIDRequest(payload)
	if err != nil {
		return nil, int32(status.BadArgs)
	}

	s.mu.Lock()
	bucket := s.cache[clientID]
	entry, ok := bucket[req.ID]
	s.mu.Unlock()

	if !ok {
		rec, found, err := s.nvm.Get(context.Background(), nvmstore.Key{ClientID: clientID, KeyID: uint16(req.ID)})
		if err != nil {
			return nil, int32(status.Transport)
		}
		if !found {
			return nil, int32(status.NotFound)
		}
		entry = cacheEntry{label: rec.Label, key: rec.Key}

		// Reloading from NVM re-populates the RAM cache, matching "Export
		// ... reloaded from NVM" (spec §4.5, §8 property 5).
		s.mu.Lock()
		if s.cache[clientID] == nil {
			s.cache[clientID] = make(map[wire.KeyID]cacheEntry)
		}
		s.cache[clientID][req.ID] = entry
		s.mu.Unlock()
	}

	res := wire.KeyExportResponse{Len: uint32(len(entry.key)), Label: entry.label}
	body := append(wire.EncodeKeyExportResponse(res), entry.key...)
	return body, 0
}

func (s *Server) handleCommit(clientID uint32, payload []byte) ([]byte, int32) {
	req, err := wire.DecodeKeyIDRequest(payload)
	if err != nil {
		return nil, int32(status.BadArgs)
	}
	s.mu.Lock()
	bucket := s.cache[clientID]
	entry, ok := bucket[req.ID]
	s.mu.Unlock()
	if !ok {
		return nil, int32(status.NotFound)
	}

	err = s.nvm.Put(context.Background(), nvmstore.Key{ClientID: clientID, KeyID: uint16(req.ID)}, nvmstore.Record{Label: entry.label, Key: entry.key})
	if err != nil {
		return nil, int32(status.Transport)
	}
	return nil, 0
}

func (s *Server) handleErase(clientID uint32, payload []byte) ([]byte, int32) {
	req, err := wire.DecodeKeyIDRequest(payload)
	if err != nil {
		return nil, int32(status.BadArgs)
	}

	s.mu.Lock()
	bucket := s.cache[clientID]
	_, cached := bucket[req.ID]
	if cached {
		delete(bucket, req.ID)
	}
	s.mu.Unlock()

	k := nvmstore.Key{ClientID: clientID, KeyID: uint16(req.ID)}
	_, persisted, _ := s.nvm.Get(context.Background(), k)
	if persisted {
		_ = s.nvm.Delete(context.Background(), k)
	}

	if !cached && !persisted {
		return nil, int32(status.NotFound)
	}
	return nil, 0
}

func (s *Server) dispatchCustom(clientID uint32, action byte, payload []byte) ([]byte, int32) {
	if action != wire.ActionCustomInvoke {
		return nil, int32(status.BadArgs)
	}
	req, err := wire.DecodeCustomCbRequest(payload)
	if err != nil {
		return nil, int32(status.BadArgs)
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.ID]
	s.handlersMu.RUnlock()
	if !ok {
		return encodeCustomResponse(req, nil, int32(status.NoHandler)), int32(status.NoHandler)
	}

	respData, err := handler(clientID, req.Type, req.Data[:])
	if err != nil {
		return encodeCustomResponse(req, nil, int32(status.BadArgs)), 0
	}
	return encodeCustomResponse(req, respData, 0), 0
}

func encodeCustomResponse(req wire.CustomCbRequest, respData []byte, errCode int32) []byte {
	var data [wire.CustomMax]byte
	copy(data[:], respData)
	res := wire.CustomCbResponse{ID: uint16(req.ID), Type: req.Type, Err: errCode, Data: data}
	return wire.EncodeCustomCbResponse(res)
}

func errShortFrame(n int) error {
	return fmt.Errorf("hsmserver: short frame: %d bytes", n)
}
