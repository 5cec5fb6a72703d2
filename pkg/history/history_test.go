package history

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bitechdev/ChatMux/pkg/chat"
)

type fakeServer struct {
	mu       sync.Mutex
	requests []recorded
	read     map[string]bool
	created  int64
}

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   string
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	fs := &fakeServer{read: make(map[string]bool), created: 100}

	r := mux.NewRouter()
	r.Use(fs.record)
	r.HandleFunc("/api/chat-rooms/history/{roomId}", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["roomId"] == "404" {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		write(w, `{"data":[
			{"id":"m1","senderId":"u1","senderName":"Ann","content":"hi","timestamp":"2024-05-01T10:00:00","isRead":true,"type":"text"},
			{"id":"m2","roomId":42,"senderId":"u2","senderName":"Bob","content":"yo","timestamp":"2024-05-01T10:01:00","isRead":false},
			"garbage"
		]}`)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/chat-rooms/{roomId}/read", func(w http.ResponseWriter, req *http.Request) {
		fs.mu.Lock()
		fs.read[gjson.Get(fs.requests[len(fs.requests)-1].body, "messageId").String()] = true
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	r.HandleFunc("/chat/room/{roomId}/read-all", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/chat-rooms/all", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("lastChatRoomId") == "2" {
			write(w, `{"content":[{"roomId":3,"roomName":"three","memberCount":1}],"last":true}`)
			return
		}
		write(w, `{"content":[{"roomId":1,"roomName":"one"},{"roomId":2,"roomName":"two"}],"last":false}`)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/chat-rooms", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		write(w, `[{"roomId":7,"roomName":"general","memberCount":3,"lastMessageContent":"hello","unreadCount":2}]`)
	}).Methods(http.MethodGet).Queries("memberId", "{memberId}")
	r.HandleFunc("/api/chat-rooms/{roomId}", func(w http.ResponseWriter, req *http.Request) {
		write(w, `{"data":{"id":`+mux.Vars(req)["roomId"]+`,"name":"bare entity"}}`)
	}).Methods(http.MethodGet)
	r.HandleFunc("/chat/room/group/create", func(w http.ResponseWriter, req *http.Request) {
		fs.mu.Lock()
		fs.created++
		id := fs.created
		fs.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		write(w, `{"roomId":`+chat.RoomID(id).String()+`}`)
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", WithTimeout(2*time.Second))
	require.NoError(t, err)
	return fs, c
}

func (fs *fakeServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recorded{
			method: req.Method,
			path:   req.URL.Path,
			query:  req.URL.RawQuery,
			auth:   req.Header.Get("Authorization"),
			body:   string(body),
		})
		fs.mu.Unlock()
		next.ServeHTTP(w, req)
	})
}

func (fs *fakeServer) last() recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func write(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNoBaseURL)

	_, err = New("ftp://example.com")
	assert.Error(t, err)

	c, err := New("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.base.String())
}

func TestFetchMessagesUnwrapsEnvelope(t *testing.T) {
	fs, c := newFakeServer(t)

	msgs, err := c.FetchMessages(context.Background(), 42, "tok1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, chat.RoomID(42), msgs[0].RoomID, "room id filled from the request")
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, chat.MessageText, msgs[1].Type)

	req := fs.last()
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/api/chat-rooms/history/42", req.path)
	assert.Equal(t, "Bearer tok1", req.auth)
}

func TestFetchMessagesStatusError(t *testing.T) {
	_, c := newFakeServer(t)

	_, err := c.FetchMessages(context.Background(), 404, "tok1")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "fetch_messages", se.Operation)
	assert.Contains(t, se.Body, "room not found")
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestMarkReadSendsMessageID(t *testing.T) {
	fs, c := newFakeServer(t)

	require.NoError(t, c.MarkRead(context.Background(), 42, "m9", "tok1"))

	req := fs.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api/chat-rooms/42/read", req.path)
	assert.JSONEq(t, `{"messageId":"m9"}`, req.body)
	fs.mu.Lock()
	assert.True(t, fs.read["m9"])
	fs.mu.Unlock()
}

func TestMarkAllRead(t *testing.T) {
	fs, c := newFakeServer(t)

	require.NoError(t, c.MarkAllRead(context.Background(), 42, "tok1"))
	require.NoError(t, c.MarkAllRead(context.Background(), 42, "tok1"))

	req := fs.last()
	assert.Equal(t, "/chat/room/42/read-all", req.path)
	assert.Empty(t, req.body)
}

func TestListRoomsForUser(t *testing.T) {
	fs, c := newFakeServer(t)

	rooms, err := c.ListRoomsForUser(context.Background(), "u1", "tok1")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, chat.RoomID(7), rooms[0].RoomID)
	assert.Equal(t, "general", rooms[0].RoomName)
	assert.Equal(t, 2, rooms[0].UnreadCount)
	assert.Equal(t, "memberId=u1", fs.last().query)

	_, err = c.ListRoomsForUser(context.Background(), "u1", "")
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestListAllRoomsPaging(t *testing.T) {
	fs, c := newFakeServer(t)

	first, err := c.ListAllRooms(context.Background(), nil, "")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Empty(t, fs.last().query)

	cursor := first[len(first)-1].RoomID
	next, err := c.ListAllRooms(context.Background(), &cursor, "")
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "three", next[0].RoomName)
	assert.Equal(t, "lastChatRoomId=2", fs.last().query)
}

func TestGetRoomAcceptsEntityShape(t *testing.T) {
	_, c := newFakeServer(t)

	room, err := c.GetRoom(context.Background(), 5, "tok1")
	require.NoError(t, err)
	assert.Equal(t, chat.RoomID(5), room.RoomID)
	assert.Equal(t, "bare entity", room.RoomName)
}

func TestCreateRoom(t *testing.T) {
	fs, c := newFakeServer(t)

	_, err := c.CreateRoom(context.Background(), "  ", "tok1")
	assert.ErrorIs(t, err, ErrEmptyRoomName)

	room, err := c.CreateRoom(context.Background(), "weekend", "tok1")
	require.NoError(t, err)
	assert.Equal(t, chat.RoomID(101), room.RoomID)
	assert.Equal(t, "weekend", room.RoomName, "name falls back to the requested one")
	assert.JSONEq(t, `{"name":"weekend"}`, fs.last().body)
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare array", `[1,2]`, `[1,2]`},
		{"data envelope", `{"data":[1]}`, `[1]`},
		{"page", `{"content":[1],"last":true}`, `[1]`},
		{"data page", `{"data":{"content":[1]}}`, `[1]`},
		{"message keeps content", `{"id":"m1","content":"hi"}`, `{"id":"m1","content":"hi"}`},
		{"scalar data", `{"data":"ok","x":1}`, `{"data":"ok","x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, unwrap(gjson.Parse(tt.in)).Raw)
		})
	}
}
