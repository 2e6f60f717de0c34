package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/mirkobrombin/go-fillcache/v1/httpapi"
)

// Keys are short and commands take at most two arguments, so anything
// beyond these bounds is a protocol error instead of an allocation.
const (
	maxBulkLen = 1 << 20
	maxArgs    = 16
)

var errProtocol = errors.New("ERR protocol error")

// respReader parses RESP arrays of bulk strings and inline commands.
type respReader struct {
	rd *bufio.Reader
}

func (r *respReader) line() ([]byte, error) {
	line, err := r.rd.ReadSlice('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, errProtocol
	}
	return line[:len(line)-2], nil
}

func (r *respReader) readCommand() ([][]byte, error) {
	line, err := r.line()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		var args [][]byte
		fields := strings.Fields(string(line))
		if len(fields) > maxArgs {
			return nil, errProtocol
		}
		for _, f := range fields {
			args = append(args, []byte(f))
		}
		return args, nil
	}

	count, err := strconv.Atoi(string(line[1:]))
	if err != nil || count < 0 || count > maxArgs {
		return nil, errProtocol
	}
	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, errProtocol
		}
		n, err := strconv.Atoi(string(line[1:]))
		if err != nil || n > maxBulkLen {
			return nil, errProtocol
		}
		if n < 0 {
			args = append(args, nil)
			continue
		}
		data := make([]byte, n+2)
		if _, err := io.ReadFull(r.rd, data); err != nil {
			return nil, err
		}
		args = append(args, data[:n])
	}
	return args, nil
}

// respWriter writes RESP replies into a buffered writer.
type respWriter struct {
	wr *bufio.Writer
}

func (w *respWriter) simple(prefix byte, msg string) {
	w.wr.WriteByte(prefix)
	w.wr.WriteString(msg)
	w.wr.WriteString("\r\n")
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

func (w *respWriter) status(msg string) { w.simple('+', msg) }
func (w *respWriter) err(msg string)    { w.simple('-', lineBreaks.Replace(msg)) }

func (w *respWriter) bulk(data []byte) {
	w.simple('$', strconv.Itoa(len(data)))
	w.wr.Write(data)
	w.wr.WriteString("\r\n")
}

// respServer answers GET, PING and QUIT so redis-cli can query the cache.
type respServer struct {
	coord  httpapi.Getter
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newRESPServer(coord httpapi.Getter, logger *slog.Logger) *respServer {
	return &respServer{coord: coord, logger: logger}
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// waits for open connections to finish.
func (s *respServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *respServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	r := &respReader{rd: reader}
	w := &respWriter{wr: bufio.NewWriter(conn)}

	for {
		args, err := r.readCommand()
		if err != nil {
			if errors.Is(err, errProtocol) {
				w.err(errProtocol.Error())
				w.wr.Flush()
			} else if err != io.EOF && ctx.Err() == nil {
				s.logger.Debug("resp read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		quit := s.execute(ctx, w, args)
		// Answer pipelined commands in one flush.
		if reader.Buffered() > 0 && !quit {
			continue
		}
		if err := w.wr.Flush(); err != nil || quit {
			return
		}
	}
}

// execute runs one command and reports whether the client asked to quit.
func (s *respServer) execute(ctx context.Context, w *respWriter, args [][]byte) bool {
	if len(args) == 0 {
		return false
	}
	switch cmd := strings.ToUpper(string(args[0])); cmd {
	case "GET":
		if len(args) != 2 {
			w.err("ERR wrong number of arguments for 'get' command")
			return false
		}
		v, err := s.coord.Get(ctx, string(args[1]))
		if err != nil {
			w.err("ERR " + err.Error())
			return false
		}
		w.bulk(v)
	case "PING":
		if len(args) > 1 {
			w.bulk(args[1])
		} else {
			w.status("PONG")
		}
	case "QUIT":
		w.status("OK")
		return true
	default:
		w.err("ERR unknown command '" + cmd + "'")
	}
	return false
}
