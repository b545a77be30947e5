// Package redisstub is a minimal RESP2 server for tests. It understands the
// connection handshake go-redis performs plus the string, counter and stream
// commands used by the key vault, the rate limiter and the event stream sink.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string][]StreamEntry
	kv       map[string]*kvEntry
	commands map[string]int
	failing  map[string]bool
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

// StreamEntry is one XADD record.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		streams:  make(map[string][]StreamEntry),
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		failing:  make(map[string]bool),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

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
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

// Value returns the live string stored at key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return "", false
	}
	return entry.value, true
}

// Expiry returns the absolute expiry of key, zero when it has none.
func (s *Server) Expiry(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.kv[key]; ok {
		return entry.expiry
	}
	return time.Time{}
}

// Stream returns a copy of the entries appended to name.
func (s *Server) Stream(name string) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamEntry(nil), s.streams[name]...)
}

// Calls reports how many times cmd (upper case) was dispatched.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

// FailCommand makes cmd reply with an error until cleared.
func (s *Server) FailCommand(cmd string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[strings.ToUpper(cmd)] = fail
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

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			err = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Forces go-redis to fall back to RESP2 and AUTH.
			err = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				err = writeError(writer, "ERR wrong number of arguments for 'auth'")
			}
			if err == nil && (len(args) == 2 || len(args) == 3) {
				if s.opts.Password == "" || password == s.opts.Password {
					authenticated = true
					err = writeSimpleString(writer, "OK")
				} else {
					err = writeError(writer, "WRONGPASS invalid username-password pair")
				}
			}
		case "SELECT", "CLIENT":
			err = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				err = writeError(writer, "NOAUTH Authentication required.")
			} else {
				err = s.dispatch(writer, args)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	s.mu.Lock()
	s.commands[cmd]++
	failing := s.failing[cmd]
	s.mu.Unlock()
	if failing {
		return writeError(writer, "ERR injected failure")
	}
	switch cmd {
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.Value(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		s.mu.Lock()
		removed := 0
		for _, key := range args[1:] {
			if _, ok := s.kv[key]; ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, int64(removed))
	case "EXISTS":
		count := 0
		for _, key := range args[1:] {
			if _, ok := s.Value(key); ok {
				count++
			}
		}
		return writeInteger(writer, int64(count))
	case "PEXPIRE", "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		n, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		s.mu.Lock()
		entry, ok := s.kv[args[1]]
		if ok {
			entry.expiry = time.Now().Add(time.Duration(n) * unit)
		}
		s.mu.Unlock()
		if !ok {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		entry, ok := s.kv[args[1]]
		if !ok || entry.expired(time.Now()) {
			entry = &kvEntry{value: "0"}
			s.kv[args[1]] = entry
		}
		n, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			s.mu.Unlock()
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		n++
		entry.value = strconv.FormatInt(n, 10)
		s.mu.Unlock()
		return writeInteger(writer, n)
	case "TTL", "PTTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		now := time.Now()
		s.mu.Lock()
		entry, ok := s.kv[args[1]]
		var expiry time.Time
		live := ok && !entry.expired(now)
		if live {
			expiry = entry.expiry
		}
		s.mu.Unlock()
		switch {
		case !live:
			return writeInteger(writer, -2)
		case expiry.IsZero():
			return writeInteger(writer, -1)
		}
		remaining := expiry.Sub(now)
		if cmd == "PTTL" {
			return writeInteger(writer, remaining.Milliseconds())
		}
		return writeInteger(writer, int64((remaining+time.Second-1)/time.Second))
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		return writeInteger(writer, int64(len(s.Stream(args[1]))))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var expiry time.Time
	onlyIfMissing := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.ToUpper(args[i]) == "PX" {
				unit = time.Millisecond
			}
			expiry = time.Now().Add(time.Duration(n) * unit)
			i++
		case "NX":
			onlyIfMissing = true
		case "KEEPTTL", "XX", "GET":
		default:
			return writeError(writer, "ERR syntax error")
		}
	}
	s.mu.Lock()
	if existing, ok := s.kv[key]; ok && onlyIfMissing && !existing.expired(time.Now()) {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	s.kv[key] = &kvEntry{value: value, expiry: expiry}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	i := 2
	maxLen := -1
options:
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			i++
			continue
		case "MAXLEN", "MINID":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			if i >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			if n, err := strconv.Atoi(args[i]); err == nil {
				maxLen = n
			}
			i++
			if i+1 < len(args) && strings.ToUpper(args[i]) == "LIMIT" {
				i += 2
			}
			continue
		}
		break options
	}
	if i >= len(args) || (len(args)-i-1)%2 != 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	id := args[i]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixNano())
	}
	values := make(map[string]string)
	for j := i + 1; j+1 < len(args); j += 2 {
		values[args[j]] = args[j+1]
	}
	s.mu.Lock()
	entries := append(s.streams[stream], StreamEntry{ID: id, Values: values})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = entries[len(entries)-maxLen:]
	}
	s.streams[stream] = entries
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

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
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
