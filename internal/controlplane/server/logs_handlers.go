package server

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/botfactory/botfleet/pkg/logger"
)

func (s *Server) botLogPath(botID int64, stream string) string {
	return filepath.Join(s.cfg.LogsDir, fmt.Sprintf("bot_%d_%s.log", botID, stream))
}

func (s *Server) handleBotLogsTail(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}

	stream := r.URL.Query().Get("stream")
	if stream != "stderr" {
		stream = "stdout"
	}
	tailN := 200
	if v := strings.TrimSpace(r.URL.Query().Get("tail")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			tailN = n
		}
	}

	lines, err := tailLines(s.botLogPath(botID, stream), tailN, 256*1024)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "lines": []string{}})
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read log: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "lines": lines})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The supervising surface is operator-facing; origin policy is left
	// to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleBotLogsStream follows the bot's stdout log over a websocket,
// one text message per line.
func (s *Server) handleBotLogsStream(w http.ResponseWriter, r *http.Request) {
	botID := botIDParam(r)
	if botID == 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	path := s.botLogPath(botID, "stdout")
	f, err := os.Open(path)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("log file not found yet"))
		waitForClose(conn)
		return
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("seek log: %v", err)))
		return
	}

	// Drain client frames so pong/close handling keeps working.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	buf := make([]byte, 32*1024)
	var partial strings.Builder

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ticker.C:
			n, err := f.Read(buf)
			if n > 0 {
				partial.WriteString(string(buf[:n]))
				for {
					text := partial.String()
					idx := strings.IndexByte(text, '\n')
					if idx < 0 {
						break
					}
					line := strings.TrimRight(text[:idx], "\r")
					if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
						return
					}
					rest := text[idx+1:]
					partial.Reset()
					partial.WriteString(rest)
				}
			}
			if err != nil && err != io.EOF {
				logger.Warnf("log stream read failed for bot %d: %v", botID, err)
				return
			}
		}
	}
}

func waitForClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// tailLines reads at most maxBytes from the file end and returns the
// last n lines.
func tailLines(path string, n int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size <= 0 {
		return []string{}, nil
	}

	start := int64(0)
	if size > maxBytes {
		start = size - maxBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	r := bufio.NewReader(f)
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return lines, nil
}
