// Package echo serves the upstream used by the example server and tests.
// Handlers behind httpmsg.Handler also report whether the request was
// already finished when it reached them.
package echo

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/getyourguide/onfinished-go/finished"
	"github.com/getyourguide/onfinished-go/httpmsg"
	"github.com/gorilla/websocket"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type RequestHeaderResponse struct {
	Headers map[string]string `json:"headers"`
	// State is the finished state of the request, empty when served without
	// httpmsg.Handler.
	State string `json:"state,omitempty"`
}

// Register adds the echo handlers to mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/headers", RequestHeaders)
	mux.HandleFunc("/response-headers", ResponseHeaders)
	mux.HandleFunc("/ws", WebSocket)
}

// RequestHeaders writes the request headers in the payload
func RequestHeaders(w http.ResponseWriter, request *http.Request) {
	w.Header().Set("content-type", "application/json")
	resp := RequestHeaderResponse{
		Headers: make(map[string]string),
	}
	for headerName := range request.Header {
		resp.Headers[headerName] = request.Header.Get(headerName)
	}

	resp.Headers["Host"] = request.Host
	resp.Headers["Method"] = request.Method
	if req, ok := httpmsg.RequestFromContext(request.Context()); ok {
		resp.State = finished.IsFinished(req).String()
	}

	respond(w, http.StatusOK, resp)
}

type ResponseHeaderResponse map[string]string

// ResponseHeaders writes response headers from query parameters.
func ResponseHeaders(w http.ResponseWriter, request *http.Request) {
	w.Header().Set("content-type", "application/json")
	status := http.StatusOK
	resp := make(ResponseHeaderResponse)
	for k, v := range request.URL.Query() {
		if len(v) == 0 {
			continue
		}
		if k == "status" {
			statusCode, err := strconv.Atoi(v[0])
			if err != nil {
				respond(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
				return
			}
			status = statusCode
		}
		for _, value := range v {
			w.Header().Add(k, value)
		}
		resp[k] = v[0]
	}
	respond(w, status, resp)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket upgrades the connection and echoes every message until the peer
// closes it.
func WebSocket(w http.ResponseWriter, request *http.Request) {
	conn, err := upgrader.Upgrade(w, request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}

func respond(w http.ResponseWriter, statusCode int, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(statusCode)
	w.Write(raw) // nolint:errcheck
}
