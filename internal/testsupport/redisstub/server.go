// Package redisstub runs a minimal in-process RESP2 server implementing the
// command subset the store layer uses: string keys with expiry, lists,
// hashes, and MULTI/EXEC batches. Tests point a real go-redis client at
// Addr() instead of requiring a Redis instance.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Server struct {
	listener net.Listener
	addr     string

	mu   sync.Mutex
	data map[string]*entry

	closed chan struct{}
}

type entry struct {
	str    string
	list   []string
	hash   map[string]string
	kind   byte // 's', 'l', 'h'
	expiry time.Time
}

func (e *entry) expired() bool {
	return !e.expiry.IsZero() && time.Now().After(e.expiry)
}

func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		addr:     ln.Addr().String(),
		data:     make(map[string]*entry),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// FastForward moves every key's expiry back by d, simulating the passage of
// time. Watchdog tests use this instead of sleeping.
func (s *Server) FastForward(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.data {
		if !e.expiry.IsZero() {
			e.expiry = e.expiry.Add(-d)
		}
	}
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// ---- reply model ----

type simpleReply string
type errorReply string
type nilReply struct{}
type arrayReply []any

// bulk strings are plain string, integers are int64

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	inMulti := false
	var queued [][]string

	for {
		args, err := readArray(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeReply(w, errorReply("ERR wrong number of arguments")) != nil {
				return
			}
			continue
		}

		cmd := strings.ToUpper(args[0])
		var rep any
		switch cmd {
		case "MULTI":
			inMulti = true
			queued = queued[:0]
			rep = simpleReply("OK")
		case "EXEC":
			if !inMulti {
				rep = errorReply("ERR EXEC without MULTI")
			} else {
				inMulti = false
				replies := make(arrayReply, 0, len(queued))
				for _, q := range queued {
					replies = append(replies, s.dispatch(q))
				}
				queued = nil
				rep = replies
			}
		case "DISCARD":
			inMulti = false
			queued = nil
			rep = simpleReply("OK")
		default:
			if inMulti {
				queued = append(queued, args)
				rep = simpleReply("QUEUED")
			} else {
				rep = s.dispatch(args)
			}
		}

		if writeReply(w, rep) != nil {
			return
		}
		if w.Flush() != nil {
			return
		}
	}
}

func (s *Server) dispatch(args []string) any {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "PING":
		return simpleReply("PONG")
	case "HELLO":
		// Answer with an error (connection stays open) so go-redis falls
		// back to RESP2.
		return errorReply("ERR unknown command 'HELLO'")
	case "CLIENT", "SELECT", "AUTH":
		return simpleReply("OK")
	case "FLUSHDB":
		s.mu.Lock()
		s.data = make(map[string]*entry)
		s.mu.Unlock()
		return simpleReply("OK")
	case "GET":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		return s.get(args[1])
	case "SET":
		if len(args) < 3 {
			return wrongArgs(cmd)
		}
		var ttl time.Duration
		for i := 3; i < len(args)-1; i++ {
			if strings.EqualFold(args[i], "EX") {
				sec, err := strconv.Atoi(args[i+1])
				if err != nil {
					return errorReply("ERR value is not an integer or out of range")
				}
				ttl = time.Duration(sec) * time.Second
			}
		}
		s.setString(args[1], args[2], ttl)
		return simpleReply("OK")
	case "SETEX":
		if len(args) != 4 {
			return wrongArgs(cmd)
		}
		sec, err := strconv.Atoi(args[2])
		if err != nil || sec <= 0 {
			return errorReply("ERR invalid expire time in 'setex' command")
		}
		s.setString(args[1], args[3], time.Duration(sec)*time.Second)
		return simpleReply("OK")
	case "DEL":
		n := int64(0)
		s.mu.Lock()
		for _, k := range args[1:] {
			if e := s.data[k]; e != nil && !e.expired() {
				n++
			}
			delete(s.data, k)
		}
		s.mu.Unlock()
		return n
	case "EXISTS":
		n := int64(0)
		s.mu.Lock()
		for _, k := range args[1:] {
			if s.live(k) != nil {
				n++
			}
		}
		s.mu.Unlock()
		return n
	case "TTL":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		return s.ttl(args[1])
	case "EXPIRE":
		if len(args) != 3 {
			return wrongArgs(cmd)
		}
		sec, err := strconv.Atoi(args[2])
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.live(args[1])
		if e == nil {
			return int64(0)
		}
		e.expiry = time.Now().Add(time.Duration(sec) * time.Second)
		return int64(1)
	case "LPUSH", "RPUSH":
		if len(args) < 3 {
			return wrongArgs(cmd)
		}
		return s.push(args[1], args[2:], cmd == "LPUSH")
	case "LRANGE":
		if len(args) != 4 {
			return wrongArgs(cmd)
		}
		start, err1 := strconv.Atoi(args[2])
		stop, err2 := strconv.Atoi(args[3])
		if err1 != nil || err2 != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		return s.lrange(args[1], start, stop)
	case "LPOP":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		return s.lpop(args[1])
	case "LLEN":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if e := s.live(args[1]); e != nil {
			return int64(len(e.list))
		}
		return int64(0)
	case "LREM":
		if len(args) != 4 {
			return wrongArgs(cmd)
		}
		count, err := strconv.Atoi(args[2])
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		return s.lrem(args[1], count, args[3])
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return wrongArgs(cmd)
		}
		return s.hset(args[1], args[2:])
	case "HGETALL":
		if len(args) != 2 {
			return wrongArgs(cmd)
		}
		return s.hgetall(args[1])
	default:
		return errorReply(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func wrongArgs(cmd string) errorReply {
	return errorReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

// live returns the entry for key, dropping it if expired. Caller holds mu.
func (s *Server) live(key string) *entry {
	e := s.data[key]
	if e == nil {
		return nil
	}
	if e.expired() {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Server) get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 's' {
		return nilReply{}
	}
	return e.str
}

func (s *Server) setString(key, val string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{kind: 's', str: val}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	s.data[key] = e
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return -2
	}
	if e.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(e.expiry)
	sec := int64((remaining + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func (s *Server) push(key string, vals []string, head bool) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: 'l'}
		s.data[key] = e
	}
	if e.kind != 'l' {
		return wrongType()
	}
	for _, v := range vals {
		if head {
			e.list = append([]string{v}, e.list...)
		} else {
			e.list = append(e.list, v)
		}
	}
	return int64(len(e.list))
}

func (s *Server) lrange(key string, start, stop int) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return arrayReply{}
	}
	if e.kind != 'l' {
		return wrongType()
	}
	n := len(e.list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return arrayReply{}
	}
	out := make(arrayReply, 0, stop-start+1)
	for _, v := range e.list[start : stop+1] {
		out = append(out, v)
	}
	return out
}

func (s *Server) lpop(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'l' || len(e.list) == 0 {
		return nilReply{}
	}
	v := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(s.data, key)
	}
	return v
}

func (s *Server) lrem(key string, count int, val string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return int64(0)
	}
	if e.kind != 'l' {
		return wrongType()
	}

	removed := int64(0)
	limit := count
	if limit < 0 {
		limit = -limit
	}
	matchAll := count == 0

	if count >= 0 {
		out := e.list[:0]
		for _, v := range e.list {
			if v == val && (matchAll || removed < int64(limit)) {
				removed++
				continue
			}
			out = append(out, v)
		}
		e.list = out
	} else {
		// from the tail
		kept := make([]string, 0, len(e.list))
		for i := len(e.list) - 1; i >= 0; i-- {
			v := e.list[i]
			if v == val && removed < int64(limit) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		// un-reverse
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
		e.list = kept
	}
	if len(e.list) == 0 {
		delete(s.data, key)
	}
	return removed
}

func (s *Server) hset(key string, fieldVals []string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: 'h', hash: map[string]string{}}
		s.data[key] = e
	}
	if e.kind != 'h' {
		return wrongType()
	}
	added := int64(0)
	for i := 0; i+1 < len(fieldVals); i += 2 {
		if _, ok := e.hash[fieldVals[i]]; !ok {
			added++
		}
		e.hash[fieldVals[i]] = fieldVals[i+1]
	}
	return added
}

func (s *Server) hgetall(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.kind != 'h' {
		return arrayReply{}
	}
	out := make(arrayReply, 0, len(e.hash)*2)
	for k, v := range e.hash {
		out = append(out, k, v)
	}
	return out
}

func wrongType() errorReply {
	return errorReply("WRONGTYPE Operation against a key holding the wrong kind of value")
}

// ---- RESP encoding ----

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += n
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, rep any) error {
	switch v := rep.(type) {
	case simpleReply:
		_, err := fmt.Fprintf(w, "+%s\r\n", string(v))
		return err
	case errorReply:
		_, err := fmt.Fprintf(w, "-%s\r\n", string(v))
		return err
	case nilReply:
		_, err := w.WriteString("$-1\r\n")
		return err
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case arrayReply:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeReply(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := fmt.Fprintf(w, "$%d\r\n%v\r\n", len(fmt.Sprint(v)), v)
		return err
	}
}
