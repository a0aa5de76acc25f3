// Package controlplane implements posta's local administrative
// interface: a length-prefixed, gob-encoded request/response protocol
// over a Unix domain socket, authenticated with a bearer token. The
// connecting process's peer credentials, where available, identify it in
// the audit log; they are not used for authentication.
//
// The server shape (net.Listen("unix", ...), stale-socket removal,
// per-connection deadline, a switch dispatching on the operation name) is grounded on
// _examples/albertito-chasquid/internal/localrpc/localrpc.go, replacing
// its line-oriented url.Values wire format with a binary envelope
// (needed for structured results like queue listings and DNS cache
// dumps) and adding the token/peer-credential authentication and audit
// logging the control plane requires.
package controlplane

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/posta-mta/posta/internal/breaker"
	"github.com/posta-mta/posta/internal/envelope"
	"github.com/posta-mta/posta/internal/log"
	"github.com/posta-mta/posta/internal/resolver"
	"github.com/posta-mta/posta/internal/spool"
)

// Op names one control-plane operation.
type Op string

const (
	OpPing          Op = "system.ping"
	OpStatus        Op = "system.status"
	OpDNSListCache  Op = "dns.list-cache"
	OpDNSClearCache Op = "dns.clear-cache"
	OpDNSRefresh    Op = "dns.refresh"
	OpQueueList     Op = "queue.list"
	OpQueueView     Op = "queue.view"
	OpQueueRetry    Op = "queue.retry"
	OpQueueDelete   Op = "queue.delete"
	OpQueueStats    Op = "queue.stats"
	OpQueueFreeze   Op = "queue.freeze"
	OpQueueUnfreeze Op = "queue.unfreeze"
)

// Request is the closed set of fields any operation may need; only the
// ones relevant to Op are populated by the client.
type Request struct {
	Op     Op
	Token  string
	ID     string // queue.view / queue.retry / queue.delete / queue.freeze / queue.unfreeze
	Domain string // dns.refresh
	Status string // queue.list, optional filter on QueueSummary.State
}

// QueueSummary describes one spooled message, for queue.list.
type QueueSummary struct {
	ID          string
	From        string
	To          []string
	Attempts    int
	NextAttempt time.Time
	State       string
	Frozen      bool
}

// QueueStats summarizes the whole spool, for queue.stats.
type QueueStats struct {
	Total        int
	Frozen       int
	PendingTotal int
}

// Response is the closed set of result fields; only the ones relevant
// to the request's Op are populated.
type Response struct {
	OK    bool
	Error string

	Pong    string
	Uptime  time.Duration
	Cache   []resolver.CacheEntry
	Queue   []QueueSummary
	Entry   *QueueSummary
	Stats   *QueueStats
	Domain  string
	BState  string
}

// Server answers control-plane requests over a Unix socket.
type Server struct {
	Store    spool.Store
	Resolver *resolver.Resolver
	Breaker  *breaker.Breaker

	// TokenHashes is the set of hex-sha256 hashes of acceptable bearer
	// tokens. If empty, authentication is disabled (suitable only for
	// sockets already restricted by filesystem permissions).
	TokenHashes []string

	startedAt time.Time
	lis       net.Listener
}

// ListenAndServe starts the control-plane server on a Unix socket at
// path, removing any stale socket left behind by a prior unclean
// shutdown.
func (s *Server) ListenAndServe(path string) error {
	os.Remove(path)

	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("controlplane: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		lis.Close()
		return fmt.Errorf("controlplane: chmod %s: %w", path, err)
	}
	s.lis = lis
	s.startedAt = time.Now()

	log.Infof("control plane listening on %s", path)
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops the server.
func (s *Server) Close() error {
	if s.lis == nil {
		return nil
	}
	return s.lis.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	who := "pid=? uid=? (peer credentials unavailable)"
	if cred, err := peerCredentials(conn); err != nil {
		log.Errorf("control plane: could not get peer credentials: %v", err)
	} else {
		who = fmt.Sprintf("pid=%d uid=%d", cred.Pid, cred.Uid)
	}

	req, err := readFrame(conn)
	if err != nil {
		log.Errorf("control plane: reading request: %v", err)
		return
	}

	if !s.authenticate(req.Token) {
		log.Infof("control plane: rejected unauthenticated %s from %s", req.Op, who)
		writeFrame(conn, Response{OK: false, Error: "unauthorized"})
		return
	}

	resp := s.dispatch(req)
	if resp.OK {
		log.Infof("control plane: %s from %s: ok", req.Op, who)
	} else {
		log.Infof("control plane: %s from %s: error: %s", req.Op, who, resp.Error)
	}
	if err := writeFrame(conn, resp); err != nil {
		log.Errorf("control plane: writing response: %v", err)
	}
}

func (s *Server) authenticate(token string) bool {
	if len(s.TokenHashes) == 0 {
		return true
	}
	sum := sha256.Sum256([]byte(token))
	got := hex.EncodeToString(sum[:])
	for _, want := range s.TokenHashes {
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpPing:
		return Response{OK: true, Pong: "pong"}
	case OpStatus:
		return Response{OK: true, Uptime: time.Since(s.startedAt)}
	case OpDNSListCache:
		if s.Resolver == nil {
			return Response{OK: false, Error: "DNS resolver not configured"}
		}
		return Response{OK: true, Cache: s.Resolver.ListCache()}
	case OpDNSClearCache:
		if s.Resolver == nil {
			return Response{OK: false, Error: "DNS resolver not configured"}
		}
		s.Resolver.ClearCache()
		return Response{OK: true}
	case OpDNSRefresh:
		if s.Resolver == nil {
			return Response{OK: false, Error: "DNS resolver not configured"}
		}
		if req.Domain == "" {
			return Response{OK: false, Error: "domain required"}
		}
		s.Resolver.Refresh(req.Domain)
		return Response{OK: true, Domain: req.Domain}
	case OpQueueList:
		return s.queueList(req.Status)
	case OpQueueView:
		return s.queueView(req.ID)
	case OpQueueStats:
		return s.queueStats()
	case OpQueueRetry:
		return s.queueRetry(req.ID)
	case OpQueueDelete:
		return s.queueDelete(req.ID)
	case OpQueueFreeze:
		return s.queueSetFrozen(req.ID, true)
	case OpQueueUnfreeze:
		return s.queueSetFrozen(req.ID, false)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown operation %q", req.Op)}
	}
}

// queueList returns a summary of every spooled message, optionally
// restricted to those whose state matches status.
func (s *Server) queueList(status string) Response {
	ids, err := s.Store.List()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	var out []QueueSummary
	for _, id := range ids {
		msg, entry, err := s.Store.Load(id)
		if err != nil {
			continue
		}
		sum := summarize(msg, entry)
		if status != "" && sum.State != status {
			continue
		}
		out = append(out, sum)
	}
	return Response{OK: true, Queue: out}
}

func (s *Server) queueView(id string) Response {
	msg, entry, err := s.Store.Load(id)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	sum := summarize(msg, entry)

	resp := Response{OK: true, Entry: &sum}
	if s.Breaker != nil && len(msg.To) > 0 {
		resp.BState = s.Breaker.State(envelope.DomainOf(msg.To[0]))
	}
	return resp
}

func (s *Server) queueStats() Response {
	ids, err := s.Store.List()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	stats := &QueueStats{Total: len(ids)}
	for _, id := range ids {
		_, entry, err := s.Store.Load(id)
		if err != nil {
			continue
		}
		if entry.Frozen {
			stats.Frozen++
		}
		stats.PendingTotal += len(entry.Pending())
	}
	return Response{OK: true, Stats: stats}
}

func (s *Server) queueRetry(id string) Response {
	_, entry, err := s.Store.Load(id)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	entry.NextAttempt = time.Now()
	if err := s.Store.SaveEntry(entry); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) queueDelete(id string) Response {
	if err := s.Store.Delete(id); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) queueSetFrozen(id string, frozen bool) Response {
	_, entry, err := s.Store.Load(id)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	entry.Frozen = frozen
	if err := s.Store.SaveEntry(entry); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func summarize(msg *spool.Message, entry *spool.QueueEntry) QueueSummary {
	return QueueSummary{
		ID:          msg.ID,
		From:        msg.From,
		To:          msg.To,
		Attempts:    entry.Attempts,
		NextAttempt: entry.NextAttempt,
		State:       string(entry.State),
		Frozen:      entry.Frozen,
	}
}

// peerCredentials returns the PID/UID/GID of the process on the other
// end of a Unix domain socket via SO_PEERCRED.
func peerCredentials(conn net.Conn) (*unix.Ucred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New("controlplane: connection is not a Unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return cred, nil
}

// --- wire framing: a 4-byte big-endian length prefix followed by a
// gob-encoded Request or Response. ---

const maxFrameSize = 16 << 20 // 16 MiB, generous for a queue.list dump

// writeFrame gob-encodes v (a Request or a Response) behind a 4-byte
// big-endian length prefix.
func writeFrame(w io.Writer, v interface{}) error {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readBody(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("controlplane: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

func readFrame(r io.Reader) (Request, error) {
	var req Request
	body, err := readBody(r)
	if err != nil {
		return req, err
	}
	err = gob.NewDecoder(bytes.NewReader(body)).Decode(&req)
	return req, err
}

func readResponseFrame(r io.Reader) (Response, error) {
	var resp Response
	body, err := readBody(r)
	if err != nil {
		return resp, err
	}
	err = gob.NewDecoder(bytes.NewReader(body)).Decode(&resp)
	return resp, err
}

// Client issues control-plane requests over a Unix socket.
type Client struct {
	path  string
	Token string
}

// NewClient returns a Client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Call issues req and waits for the server's response.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.path, 5*time.Second)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	req.Token = c.Token
	if err := writeFrame(conn, req); err != nil {
		return Response{}, err
	}
	return readResponseFrame(conn)
}

// HashToken returns the hex-sha256 hash of token, for populating
// Server.TokenHashes from a plaintext token at configuration time.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
