package durus

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionTimeout bounds how long a session's socket I/O may block,
// matching storage_server.py's TIMEOUT=10.
const sessionTimeout = 10 * time.Second

// StorageServer multiplexes many client sessions over one Storage, the
// counterpart of durus/storage_server.py's StorageServer. Where the
// Python original drives every session socket from a single
// select.select loop, Go gives each accepted connection its own
// goroutine for I/O and funnels every storage-mutating request through
// one dispatcher goroutine via a channel -- the one moving part that
// still owns all shared state (sessions, the incremental packer,
// bytes-since-pack), matching the original's single-threaded guarantee
// (see DESIGN.md's Open Question on the event loop).
type StorageServer struct {
	storage        Storage
	gcbytes        int64
	bytesSincePack int64

	mu       sync.Mutex // guards sessions only; dispatcher is sole mutator of session.invalid/unusedOIDs
	sessions map[*session]bool

	work    chan job
	packer  Packer
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type session struct {
	id         uuid.UUID
	conn       net.Conn
	invalid    map[OID]bool
	unusedOIDs map[OID]bool
}

type job struct {
	sess *session
	cmd  byte
	data []byte
	resp chan jobResult
}

type jobResult struct {
	data []byte
	err  error
}

// NewStorageServer returns a server over storage. gcbytes, if positive,
// is the number of bytes committed since the last pack after which an
// incremental pack is started automatically, matching
// DEFAULT_GCBYTES/the gcbytes constructor argument in storage_server.py.
func NewStorageServer(storage Storage, gcbytes int64) *StorageServer {
	return &StorageServer{
		storage:  storage,
		gcbytes:  gcbytes,
		sessions: map[*session]bool{},
		work:     make(chan job),
		stopCh:   make(chan struct{}),
	}
}

// Serve accepts connections on addr until Close is called, dispatching
// each to its own goroutine and running the single protocol dispatcher
// goroutine for as long as Serve is active.
func (srv *StorageServer) Serve(addr SocketAddress) error {
	l, err := addr.Listen()
	if err != nil {
		return err
	}
	defer l.Close()

	srv.wg.Add(1)
	go srv.dispatch()

	go func() {
		<-srv.stopCh
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-srv.stopCh:
				srv.wg.Wait()
				return nil
			default:
				return err
			}
		}
		go srv.serveConn(conn)
	}
}

// Close stops accepting new connections and shuts down the dispatcher.
func (srv *StorageServer) Close() error {
	close(srv.stopCh)
	return srv.storage.Close()
}

func (srv *StorageServer) serveConn(conn net.Conn) {
	sess := &session{
		id:         uuid.New(),
		conn:       conn,
		invalid:    map[OID]bool{},
		unusedOIDs: map[OID]bool{},
	}
	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, sess)
		srv.mu.Unlock()
		conn.Close()
	}()

	if err := srv.handshake(sess); err != nil {
		Logf(LevelWarn, "session %s: handshake failed: %v", sess.id, err)
		return
	}

	srv.mu.Lock()
	srv.sessions[sess] = true
	srv.mu.Unlock()

	for {
		conn.SetDeadline(time.Now().Add(sessionTimeout))
		cmd, err := readByte(conn)
		if err != nil {
			return
		}
		if cmd == cmdQuit {
			srv.submit(sess, cmd, nil)
			return
		}
		payload, err := srv.readPayload(conn, cmd)
		if err != nil {
			return
		}
		result := srv.submit(sess, cmd, payload)
		if result.err != nil {
			Logf(LevelWarn, "session %s: command %q failed: %v", sess.id, cmd, result.err)
			return
		}
		if _, err := conn.Write(result.data); err != nil {
			return
		}
	}
}

// handshake performs the 'V' version exchange directly on the session's
// own goroutine since it never touches shared storage state.
func (srv *StorageServer) handshake(sess *session) error {
	cmd, err := readByte(sess.conn)
	if err != nil {
		return err
	}
	if cmd != cmdVersion {
		return &ProtocolError{Detail: "expected version handshake"}
	}
	client := make([]byte, len(protocolVersion))
	if _, err := io.ReadFull(sess.conn, client); err != nil {
		return err
	}
	if _, err := sess.conn.Write([]byte(protocolVersion)); err != nil {
		return err
	}
	if string(client) != protocolVersion {
		return ErrProtocolVersion
	}
	return nil
}

// readPayload reads whatever bytes command cmd needs beyond its 1-byte
// opcode, entirely on the session's own goroutine.
func (srv *StorageServer) readPayload(conn net.Conn, cmd byte) ([]byte, error) {
	switch cmd {
	case cmdNewOID:
		return nil, nil
	case cmdNewOIDs:
		b, err := readByte(conn)
		return []byte{b}, err
	case cmdLoad:
		var b [oidSize]byte
		_, err := io.ReadFull(conn, b[:])
		return b[:], err
	case cmdBulkLoad:
		n, err := readInt4(conn)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4+int(n)*oidSize)
		binary.BigEndian.PutUint32(buf[:4], n)
		if _, err := io.ReadFull(conn, buf[4:]); err != nil {
			return nil, err
		}
		return buf, nil
	case cmdCommit:
		return readInt4Str(conn)
	case cmdSync, cmdPack:
		return nil, nil
	default:
		return nil, &ProtocolError{Detail: "unknown command"}
	}
}

// submit hands a parsed command to the dispatcher and blocks for its
// result.
func (srv *StorageServer) submit(sess *session, cmd byte, data []byte) jobResult {
	resp := make(chan jobResult, 1)
	select {
	case srv.work <- job{sess: sess, cmd: cmd, data: data, resp: resp}:
	case <-srv.stopCh:
		return jobResult{err: ErrClosed}
	}
	select {
	case r := <-resp:
		return r
	case <-srv.stopCh:
		return jobResult{err: ErrClosed}
	}
}

// dispatch is the single goroutine that owns storage, every session's
// invalid/unusedOIDs sets, and the incremental packer. It processes
// queued jobs immediately; when none are pending and a pack is running,
// it advances the packer by one bounded step instead of blocking,
// matching storage_server.py's zero-timeout select while packing.
func (srv *StorageServer) dispatch() {
	defer srv.wg.Done()
	for {
		if srv.packer != nil {
			select {
			case j := <-srv.work:
				j.resp <- srv.handle(j)
			case <-srv.stopCh:
				return
			default:
				done, err := srv.packer.Step()
				if err != nil {
					Logf(LevelError, "pack step failed: %v", err)
					srv.packer = nil
				} else if done {
					srv.packer = nil
				}
			}
			continue
		}
		select {
		case j := <-srv.work:
			j.resp <- srv.handle(j)
		case <-srv.stopCh:
			return
		}
	}
}

func (srv *StorageServer) handle(j job) jobResult {
	switch j.cmd {
	case cmdNewOID:
		oid := srv.allocateOIDs(j.sess, 1)[0]
		b := oid.Bytes()
		return jobResult{data: b[:]}
	case cmdNewOIDs:
		count := int(j.data[0])
		oids := srv.allocateOIDs(j.sess, count)
		return jobResult{data: joinOIDs(oids)}
	case cmdLoad:
		oid := oidFromBytes(j.data)
		return jobResult{data: srv.loadResponse(j.sess, oid)}
	case cmdBulkLoad:
		return srv.handleBulkLoad(j.sess, j.data)
	case cmdCommit:
		return srv.handleCommit(j.sess, j.data)
	case cmdSync:
		return jobResult{data: srv.drainInvalid(j.sess)}
	case cmdPack:
		srv.maybeStartPack(true)
		return jobResult{data: []byte{statusOkay}}
	case cmdQuit:
		return jobResult{}
	default:
		return jobResult{err: &ProtocolError{Detail: "unhandled command"}}
	}
}

// allocateOIDs hands out count OIDs from storage.NewOID, skipping any
// OID currently in any session's invalid set (it could be about to be
// reused by a concurrent pack reclaim) and registering them in sess's
// unusedOIDs so a later commit from another session can't claim them
// first -- matching storage_server.py's _new_oids.
func (srv *StorageServer) allocateOIDs(sess *session, count int) []OID {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]OID, 0, count)
	for len(out) < count {
		oid := srv.storage.NewOID()
		conflict := false
		for other := range srv.sessions {
			if other.invalid[oid] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		sess.unusedOIDs[oid] = true
		out = append(out, oid)
	}
	return out
}

func (srv *StorageServer) loadResponse(sess *session, oid OID) []byte {
	srv.mu.Lock()
	invalid := sess.invalid[oid]
	srv.mu.Unlock()
	if invalid {
		return []byte{statusInvalid}
	}
	rec, err := srv.storage.Load(oid)
	if err != nil {
		return []byte{statusKeyError}
	}
	return append([]byte{statusOkay}, encodeLoadRecord(rec)...)
}

func (srv *StorageServer) handleBulkLoad(sess *session, data []byte) jobResult {
	oids, err := readOIDSet(bytes.NewReader(data))
	if err != nil {
		return jobResult{err: err}
	}
	var out []byte
	for _, oid := range oids {
		b := oid.Bytes()
		out = append(out, b[:]...)
		out = append(out, srv.loadResponse(sess, oid)...)
	}
	return jobResult{data: out}
}

func (srv *StorageServer) handleCommit(sess *session, data []byte) jobResult {
	items, err := decodeTransactionPayload(data)
	if err != nil {
		return jobResult{err: err}
	}
	if len(items) == 0 {
		return jobResult{data: append([]byte{statusOkay}, srv.drainInvalid(sess)...)}
	}

	srv.mu.Lock()
	for _, it := range items {
		for other := range srv.sessions {
			if other == sess {
				continue
			}
			if other.unusedOIDs[it.OID] {
				srv.mu.Unlock()
				return jobResult{err: &ProtocolError{Detail: "oid claimed by another session"}}
			}
		}
	}
	srv.mu.Unlock()

	srv.storage.Begin()
	for _, it := range items {
		if err := srv.storage.Store(it.OID, it.Rec); err != nil {
			return jobResult{err: err}
		}
	}
	err = srv.storage.End(func(oids []OID) error {
		srv.broadcastInvalid(sess, oids)
		return nil
	})
	if err != nil {
		var conflict *WriteConflictError
		if isConflict(err, &conflict) {
			return jobResult{data: []byte{statusInvalid}}
		}
		return jobResult{err: err}
	}

	srv.mu.Lock()
	for _, it := range items {
		delete(sess.unusedOIDs, it.OID)
	}
	srv.mu.Unlock()

	srv.bytesSincePack += int64(len(data))
	srv.maybeStartPack(false)

	out := append([]byte{statusOkay}, srv.drainInvalid(sess)...)
	return jobResult{data: out}
}

func isConflict(err error, target **WriteConflictError) bool {
	wc, ok := err.(*WriteConflictError)
	if ok {
		*target = wc
	}
	return ok
}

// broadcastInvalid adds oids to every other session's invalid set,
// matching storage_server.py's invalidation fan-out on commit.
func (srv *StorageServer) broadcastInvalid(committer *session, oids []OID) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for other := range srv.sessions {
		if other == committer {
			continue
		}
		for _, oid := range oids {
			other.invalid[oid] = true
		}
	}
}

// drainInvalid returns and clears sess's accumulated invalid set, the
// response body for both handle_S and the empty-commit/abort path.
func (srv *StorageServer) drainInvalid(sess *session) []byte {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	oids := make([]OID, 0, len(sess.invalid))
	for oid := range sess.invalid {
		oids = append(oids, oid)
	}
	sess.invalid = map[OID]bool{}
	var buf []byte
	n4 := make([]byte, 4)
	binary.BigEndian.PutUint32(n4, uint32(len(oids)))
	buf = append(buf, n4...)
	buf = append(buf, joinOIDs(oids)...)
	return buf
}

// maybeStartPack starts an incremental pack if gcbytes is configured and
// exceeded (or force is set, from an explicit 'P' command) and none is
// already running, matching storage_server.py's serve() loop check.
func (srv *StorageServer) maybeStartPack(force bool) {
	if srv.packer != nil {
		return
	}
	if !force && (srv.gcbytes <= 0 || srv.bytesSincePack < srv.gcbytes) {
		return
	}
	p, err := srv.storage.GetPacker()
	if err != nil {
		Logf(LevelWarn, "pack not started: %v", err)
		return
	}
	if p == nil {
		return
	}
	srv.packer = p
	srv.bytesSincePack = 0
}
